package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// keys lists every settings key so each can be overridden from the environment.
var keys = []string{
	"package.name",
	"package.type",
	"package.entry",
	"package.source",
	"package.runtime",
	"package.arch",
	"dependencies",
	"requirements",
	"output.path",
	"output.report",
	"environment.site_packages",
	"environment.exclude",
	"index.url",
	"index.cache_dir",
	"index.wheel_dirs",
	"index.bundles",
	"index.offline",
	"index.timeout",
	"index.retries",
	"index.workers",
	"index.lock_timeout",
	"log_level",
}

// flagKeys maps command-line flag names onto settings keys.
var flagKeys = map[string]string{
	"name":          "package.name",
	"type":          "package.type",
	"entry":         "package.entry",
	"source":        "package.source",
	"runtime":       "package.runtime",
	"arch":          "package.arch",
	"dependency":    "dependencies",
	"requirements":  "requirements",
	"output":        "output.path",
	"report":        "output.report",
	"site-packages": "environment.site_packages",
	"exclude":       "environment.exclude",
	"index-url":     "index.url",
	"cache-dir":     "index.cache_dir",
	"wheel-dir":     "index.wheel_dirs",
	"bundles":       "index.bundles",
	"offline":       "index.offline",
	"timeout":       "index.timeout",
	"retries":       "index.retries",
	"workers":       "index.workers",
	"lock-timeout":  "index.lock_timeout",
	"log-level":     "log_level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("package.type", "plain")
	v.SetDefault("package.runtime", DefaultRuntime)
	v.SetDefault("index.url", DefaultIndexURL)
	v.SetDefault("index.timeout", DefaultTimeout)
	v.SetDefault("index.retries", DefaultRetries)
	v.SetDefault("index.workers", DefaultWorkers)
	v.SetDefault("index.lock_timeout", DefaultLockTimeout)
	v.SetDefault("log_level", DefaultLogLevel)

	if pip := PipCacheDir(); pip != "" {
		v.SetDefault("index.wheel_dirs", []string{pip})
	}
}

// RegisterFlags declares the settings flags on fs. Only flags the user sets
// take precedence over the environment and the settings file.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "user package name")
	fs.String("type", "", "application type: plain, web-adapter or platform-variant")
	fs.String("entry", "", "entry text inserted into the generated shim")
	fs.String("source", "", "user package directory (default: the installed copy)")
	fs.String("runtime", "", "target runtime, e.g. python3.9")
	fs.String("arch", "", "target architecture: x86_64 or aarch64")
	fs.StringSlice("dependency", nil, "declared dependency (repeatable)")
	fs.String("requirements", "", "requirements file")
	fs.StringP("output", "o", "", "archive path")
	fs.String("report", "", "write a YAML resolution report to this path")
	fs.StringSlice("site-packages", nil, "site-packages directory (repeatable)")
	fs.StringSlice("exclude", nil, "package provided by the runtime (repeatable)")
	fs.String("index-url", "", "package index base URL")
	fs.String("cache-dir", "", "artifact cache directory")
	fs.StringSlice("wheel-dir", nil, "extra directory searched for wheels (repeatable)")
	fs.String("bundles", "", "pre-built bundle catalog (YAML)")
	fs.Bool("offline", false, "never contact the package index")
	fs.Duration("timeout", 0, "timeout of a single index request")
	fs.Int("retries", 0, "retries of a failed index request")
	fs.Int("workers", 0, "concurrent artifact lookups")
	fs.Duration("lock-timeout", 0, "wait for the shared cache lock")
	fs.String("log-level", "", "log level: debug, info, warn or error")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}

		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}
