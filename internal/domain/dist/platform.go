package dist

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultOS is the operating system of every supported deployment target.
	DefaultOS = "linux"
	// DefaultArch is used when no architecture is configured.
	DefaultArch = "x86_64"
	// DefaultGlibcMinor is the glibc 2.x ceiling of the Lambda Python runtimes (Amazon Linux 2).
	DefaultGlibcMinor = 26

	manylinuxFloorX86   = 5
	manylinuxFloorARM   = 17
	runtimePrefix       = "python"
	compatibleABISuffix = "abi3"
)

// PlatformTag describes the deployment target used to filter artifacts.
type PlatformTag struct {
	// Runtime is the interpreter version, for example "3.9".
	Runtime string
	// OS is the operating system identifier, always "linux" for the supported targets.
	OS string
	// Arch is the CPU architecture: "x86_64" or "aarch64".
	Arch string
	// GlibcMinor is the highest glibc 2.x the target provides; manylinux wheels above it are rejected.
	GlibcMinor int
}

// ParsePlatformTag builds a tag from a runtime identifier ("python3.9" or "3.9") and an architecture.
func ParsePlatformTag(runtime, arch string) (PlatformTag, error) {
	version := strings.TrimPrefix(strings.TrimSpace(runtime), runtimePrefix)

	major, minor, ok := strings.Cut(version, ".")
	if !ok {
		return PlatformTag{}, fmt.Errorf("%w: %q", ErrInvalidRuntime, runtime)
	}

	if _, err := strconv.Atoi(major); err != nil {
		return PlatformTag{}, fmt.Errorf("%w: %q", ErrInvalidRuntime, runtime)
	}

	if _, err := strconv.Atoi(minor); err != nil {
		return PlatformTag{}, fmt.Errorf("%w: %q", ErrInvalidRuntime, runtime)
	}

	if arch == "" {
		arch = DefaultArch
	}

	switch arch {
	case "x86_64", "aarch64":
	case "arm64":
		arch = "aarch64"
	default:
		return PlatformTag{}, fmt.Errorf("%w: unsupported architecture %q", ErrInvalidRuntime, arch)
	}

	return PlatformTag{
		Runtime:    version,
		OS:         DefaultOS,
		Arch:       arch,
		GlibcMinor: DefaultGlibcMinor,
	}, nil
}

func (t PlatformTag) String() string {
	return fmt.Sprintf("(runtime=%s, os=%s, arch=%s)", t.Runtime, t.OS, t.Arch)
}

// RuntimeName returns the runtime identifier as the hosting platform spells it.
func (t PlatformTag) RuntimeName() string {
	return runtimePrefix + t.Runtime
}

func (t PlatformTag) versionParts() (int, int) {
	major, minor, _ := strings.Cut(t.Runtime, ".")
	ma, _ := strconv.Atoi(major)
	mi, _ := strconv.Atoi(minor)

	return ma, mi
}

// Tier orders candidate artifacts from most to least preferred.
type Tier int

const (
	// TierExact matches interpreter, ABI and platform of the target.
	TierExact Tier = iota
	// TierCompatible is the explicit looser tier: stable ABI or interpreter-only builds for the platform.
	TierCompatible
	// TierAnyPlatform is a pure wheel usable on every platform.
	TierAnyPlatform
	// TierHost is a build tagged with the bare linux platform. It links against the
	// glibc of whatever machine built it, so portable wheels are always looked up first.
	TierHost
	// TierSource is a source distribution, acceptable only when it carries no extension sources.
	TierSource
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierCompatible:
		return "compatible"
	case TierAnyPlatform:
		return "any-platform"
	case TierHost:
		return "host"
	case TierSource:
		return "source"
	default:
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// Tag is a single PEP 425 compatibility tag.
type Tag struct {
	Interpreter string
	ABI         string
	Platform    string
}

func (t Tag) String() string {
	return t.Interpreter + "-" + t.ABI + "-" + t.Platform
}

// RankedTag is a tag accepted by a platform together with its tier and preference.
type RankedTag struct {
	Tag
	Tier Tier
	// Preference is the position in the overall ordering; lower is better.
	Preference int
}

// CompatibleTags returns every wheel tag the target accepts, most specific first.
func (t PlatformTag) CompatibleTags() []RankedTag {
	major, minor := t.versionParts()
	interpreter := fmt.Sprintf("cp%d%d", major, minor)

	abi := interpreter
	if major == 3 && minor < 8 {
		abi += "m"
	}

	platforms := t.platforms()

	var ranked []RankedTag

	add := func(tier Tier, tag Tag) {
		ranked = append(ranked, RankedTag{Tag: tag, Tier: tier, Preference: len(ranked)})
	}

	for _, platform := range platforms {
		add(TierExact, Tag{Interpreter: interpreter, ABI: abi, Platform: platform})
	}

	for _, platform := range platforms {
		for m := minor; m >= 2; m-- {
			add(TierCompatible, Tag{Interpreter: fmt.Sprintf("cp%d%d", major, m), ABI: compatibleABISuffix, Platform: platform})
		}
	}

	for _, platform := range platforms {
		add(TierCompatible, Tag{Interpreter: interpreter, ABI: "none", Platform: platform})
		add(TierCompatible, Tag{Interpreter: fmt.Sprintf("py%d", major), ABI: "none", Platform: platform})
	}

	add(TierAnyPlatform, Tag{Interpreter: interpreter, ABI: "none", Platform: "any"})

	for m := minor; m >= 0; m-- {
		add(TierAnyPlatform, Tag{Interpreter: fmt.Sprintf("py%d%d", major, m), ABI: "none", Platform: "any"})
	}

	add(TierAnyPlatform, Tag{Interpreter: fmt.Sprintf("py%d", major), ABI: "none", Platform: "any"})

	host := "linux_" + t.Arch

	add(TierHost, Tag{Interpreter: interpreter, ABI: abi, Platform: host})

	for m := minor; m >= 2; m-- {
		add(TierHost, Tag{Interpreter: fmt.Sprintf("cp%d%d", major, m), ABI: compatibleABISuffix, Platform: host})
	}

	add(TierHost, Tag{Interpreter: interpreter, ABI: "none", Platform: host})
	add(TierHost, Tag{Interpreter: fmt.Sprintf("py%d", major), ABI: "none", Platform: host})

	return ranked
}

// platforms lists manylinux platform tags from the glibc ceiling downwards.
func (t PlatformTag) platforms() []string {
	floor := manylinuxFloorX86
	if t.Arch != "x86_64" {
		floor = manylinuxFloorARM
	}

	ceiling := t.GlibcMinor
	if ceiling == 0 {
		ceiling = DefaultGlibcMinor
	}

	legacy := map[int]string{17: "manylinux2014", 12: "manylinux2010", 5: "manylinux1"}

	var platforms []string

	for minor := ceiling; minor >= floor; minor-- {
		platforms = append(platforms, fmt.Sprintf("manylinux_2_%d_%s", minor, t.Arch))

		if alias, ok := legacy[minor]; ok {
			platforms = append(platforms, alias+"_"+t.Arch)
		}
	}

	return platforms
}

// Match returns the best ranked tag among tags, or false when none is accepted.
func (t PlatformTag) Match(tags []Tag) (RankedTag, bool) {
	index := make(map[string]RankedTag)
	for _, ranked := range t.CompatibleTags() {
		index[ranked.String()] = ranked
	}

	var (
		best  RankedTag
		found bool
	)

	for _, tag := range tags {
		ranked, ok := index[tag.String()]
		if !ok {
			continue
		}

		if !found || ranked.Preference < best.Preference {
			best, found = ranked, true
		}
	}

	return best, found
}

// ParseTags expands a compressed tag set such as "py2.py3-none-any" into single tags.
func ParseTags(s string) ([]Tag, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidWheelName, s)
	}

	var tags []Tag

	for interpreter := range strings.SplitSeq(parts[0], ".") {
		for abi := range strings.SplitSeq(parts[1], ".") {
			for platform := range strings.SplitSeq(parts[2], ".") {
				tags = append(tags, Tag{Interpreter: interpreter, ABI: abi, Platform: platform})
			}
		}
	}

	return tags, nil
}

// WheelName is a parsed PEP 427 wheel file name.
type WheelName struct {
	Name    string
	Version string
	Build   string
	Tags    []Tag
}

// ParseWheelFilename parses names like "urllib3-1.26.5-py2.py3-none-any.whl".
func ParseWheelFilename(filename string) (WheelName, error) {
	base, ok := strings.CutSuffix(filename, ".whl")
	if !ok {
		return WheelName{}, fmt.Errorf("%w: %q", ErrInvalidWheelName, filename)
	}

	parts := strings.Split(base, "-")

	var build string

	switch len(parts) {
	case 5:
	case 6:
		build = parts[2]
		parts = append(parts[:2], parts[3:]...)
	default:
		return WheelName{}, fmt.Errorf("%w: %q", ErrInvalidWheelName, filename)
	}

	tags, err := ParseTags(strings.Join(parts[2:], "-"))
	if err != nil {
		return WheelName{}, err
	}

	return WheelName{
		Name:    parts[0],
		Version: parts[1],
		Build:   build,
		Tags:    tags,
	}, nil
}
