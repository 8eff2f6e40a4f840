package dist

import (
	"fmt"
	"strings"
)

// AppType selects the shim variant.
type AppType string

const (
	// AppPlain is a plain function handler.
	AppPlain AppType = "plain"
	// AppWebAdapter wraps a WSGI application behind an API Gateway proxy event handler.
	AppWebAdapter AppType = "web-adapter"
	// AppPlatformVariant targets Elastic Beanstalk, which loads a WSGI callable named application.
	AppPlatformVariant AppType = "platform-variant"
)

// ParseAppType maps configuration values, including the historical names, onto the enumeration.
func ParseAppType(s string) (AppType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return AppPlain, nil
	case "web-adapter", "flask", "wsgi":
		return AppWebAdapter, nil
	case "platform-variant", "flask-eb", "eb":
		return AppPlatformVariant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAppType, s)
	}
}

// ProvidesAWSSDK reports whether the hosting runtime already ships boto3 and botocore.
func (t AppType) ProvidesAWSSDK() bool {
	return t == AppPlain || t == AppWebAdapter
}

// Descriptor is the user-facing package description consumed read-only by the pipeline.
type Descriptor struct {
	Type AppType
	// Name is the user's own package name.
	Name string
	// Entry is the import-and-reference expression inserted verbatim into the shim.
	Entry string
	// Runtime is the target runtime identifier, for example "python3.9".
	Runtime string
	// Arch is the target CPU architecture.
	Arch string
	// Output is the archive destination path.
	Output string
	// Source is the user's package directory; empty means look it up in the environment.
	Source string
}

// PlatformTag returns the platform tag the descriptor targets.
func (d Descriptor) PlatformTag() (PlatformTag, error) {
	return ParsePlatformTag(d.Runtime, d.Arch)
}
