package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
)

// Config holds every pybundle setting.
type Config struct {
	Package PackageConfig `mapstructure:"package" yaml:"package"`
	// Dependencies are PEP 508 requirement strings declared directly.
	Dependencies []string `mapstructure:"dependencies" yaml:"dependencies,omitempty"`
	// Requirements is an optional requirements file with one requirement per line.
	Requirements string            `mapstructure:"requirements" yaml:"requirements,omitempty"`
	Output       OutputConfig      `mapstructure:"output" yaml:"output"`
	Environment  EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Index        IndexConfig       `mapstructure:"index" yaml:"index"`
	LogLevel     string            `mapstructure:"log_level" yaml:"log_level"`
}

// PackageConfig describes the user's package.
type PackageConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Type is plain, web-adapter or platform-variant (flask and flask-eb are accepted too).
	Type  string `mapstructure:"type" yaml:"type"`
	Entry string `mapstructure:"entry" yaml:"entry"`
	// Source is the package directory; empty means the installed copy.
	Source  string `mapstructure:"source" yaml:"source,omitempty"`
	Runtime string `mapstructure:"runtime" yaml:"runtime"`
	Arch    string `mapstructure:"arch" yaml:"arch"`
}

// OutputConfig locates the produced files.
type OutputConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Report is an optional YAML resolution report path.
	Report string `mapstructure:"report" yaml:"report,omitempty"`
}

// EnvironmentConfig describes the local Python environment.
type EnvironmentConfig struct {
	// SitePackages lists site-packages directories; empty means discover them from VIRTUAL_ENV.
	SitePackages []string `mapstructure:"site_packages" yaml:"site_packages,omitempty"`
	// Exclude lists packages the hosting runtime provides. nil selects the per-type default.
	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty"`
}

// IndexConfig configures artifact lookup.
type IndexConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	CacheDir    string        `mapstructure:"cache_dir" yaml:"cache_dir"`
	WheelDirs   []string      `mapstructure:"wheel_dirs" yaml:"wheel_dirs,omitempty"`
	Bundles     string        `mapstructure:"bundles" yaml:"bundles,omitempty"`
	Offline     bool          `mapstructure:"offline" yaml:"offline"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries     int           `mapstructure:"retries" yaml:"retries"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

const (
	// DefaultConfigFilename is read when no settings path is given.
	DefaultConfigFilename = "pybundle.yaml"
	// EnvPrefix prefixes environment overrides, e.g. PYBUNDLE_PACKAGE_NAME.
	EnvPrefix = "PYBUNDLE"

	// DefaultIndexURL is the public Python package index.
	DefaultIndexURL = "https://pypi.org"
	// DefaultRuntime is the target runtime when none is configured.
	DefaultRuntime = "python3.9"
	// DefaultTimeout bounds a single remote request.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the number of retries after a failed remote request.
	DefaultRetries = 3
	// DefaultWorkers bounds concurrent artifact lookups and extraction.
	DefaultWorkers = 4
	// DefaultLockTimeout bounds the wait for the shared cache.
	DefaultLockTimeout = time.Minute
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is applied to the settings template.
	DefaultFilePermissions = 0o644
)

var (
	errConfigIsNotSet  = errors.New("configuration is not set")
	errNameRequired    = errors.New("package.name must be provided")
	errEntryRequired   = errors.New("package.entry must be provided")
	errInvalidNumber   = errors.New("must be positive")
	errInvalidIndexURL = errors.New("invalid index.url")
	errInvalidLogLevel = errors.New("invalid log_level")
)

// runtimeProvided lists packages the Lambda runtime already ships.
var runtimeProvided = []string{"boto3", "botocore"}

// Load merges defaults, the settings file, the environment and set flags.
// An explicit path must exist; the default file is optional.
// flags may be nil; flags registered by RegisterFlags are bound per key.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	switch {
	case !v.IsSet("environment.exclude"):
		cfg.Environment.Exclude = nil
	case cfg.Environment.Exclude == nil:
		// An explicitly empty list disables the runtime default.
		cfg.Environment.Exclude = []string{}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(cfg.Package.Name) == "" {
		return errNameRequired
	}

	if strings.TrimSpace(cfg.Package.Entry) == "" {
		return errEntryRequired
	}

	appType, err := dist.ParseAppType(cfg.Package.Type)
	if err != nil {
		return err
	}

	cfg.Package.Type = string(appType)

	if cfg.Package.Runtime == "" {
		cfg.Package.Runtime = DefaultRuntime
	}

	if _, err = dist.ParsePlatformTag(cfg.Package.Runtime, cfg.Package.Arch); err != nil {
		return err
	}

	if cfg.Output.Path == "" {
		cfg.Output.Path = dist.NormalizeName(cfg.Package.Name) + ".zip"
	}

	if cfg.Environment.Exclude == nil && appType.ProvidesAWSSDK() {
		cfg.Environment.Exclude = append([]string(nil), runtimeProvided...)
	}

	if cfg.Index.URL == "" {
		cfg.Index.URL = DefaultIndexURL
	}

	if _, err = url.ParseRequestURI(cfg.Index.URL); err != nil {
		return fmt.Errorf("%w: %w", errInvalidIndexURL, err)
	}

	if cfg.Index.Workers <= 0 {
		return fmt.Errorf("index.workers %w", errInvalidNumber)
	}

	if cfg.Index.Timeout <= 0 {
		return fmt.Errorf("index.timeout %w", errInvalidNumber)
	}

	if cfg.Index.LockTimeout <= 0 {
		return fmt.Errorf("index.lock_timeout %w", errInvalidNumber)
	}

	if cfg.Index.Retries < 0 {
		cfg.Index.Retries = 0
	}

	if cfg.Index.CacheDir == "" {
		cfg.Index.CacheDir = DefaultCacheDir()
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if _, ok := logger.ParseLogLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: %q", errInvalidLogLevel, cfg.LogLevel)
	}

	return nil
}

// Descriptor returns the package descriptor of a validated configuration.
func (c *Config) Descriptor() (dist.Descriptor, error) {
	appType, err := dist.ParseAppType(c.Package.Type)
	if err != nil {
		return dist.Descriptor{}, err
	}

	return dist.Descriptor{
		Type:    appType,
		Name:    c.Package.Name,
		Entry:   c.Package.Entry,
		Runtime: c.Package.Runtime,
		Arch:    c.Package.Arch,
		Output:  c.Output.Path,
		Source:  c.Package.Source,
	}, nil
}

// Declared returns the directly declared requirements: the dependencies list
// followed by the requirements file. Both empty yields nil.
func (c *Config) Declared() ([]dist.Requirement, error) {
	lines := append([]string(nil), c.Dependencies...)

	if c.Requirements != "" {
		fileLines, err := readRequirementsFile(c.Requirements)
		if err != nil {
			return nil, err
		}

		lines = append(lines, fileLines...)
	}

	var reqs []dist.Requirement

	for _, line := range lines {
		req, err := dist.ParseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("declared dependencies: %w", err)
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}

// readRequirementsFile returns requirement lines, skipping comments, blank lines and pip options.
func readRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), " #")
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}

		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}

	return lines, nil
}

// DefaultCacheDir is the per-user artifact cache.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pybundle")
	}

	return filepath.Join(dir, "pybundle")
}

// PipCacheDir is pip's wheel cache, searched for pre-built wheels.
func PipCacheDir() string {
	if dir := os.Getenv("PIP_CACHE_DIR"); dir != "" {
		return filepath.Join(dir, "wheels")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".cache", "pip", "wheels")
}

// indexYAML is IndexConfig with durations in their human form.
type indexYAML struct {
	URL         string   `yaml:"url"`
	CacheDir    string   `yaml:"cache_dir,omitempty"`
	WheelDirs   []string `yaml:"wheel_dirs,omitempty"`
	Bundles     string   `yaml:"bundles,omitempty"`
	Offline     bool     `yaml:"offline"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	Workers     int      `yaml:"workers"`
	LockTimeout string   `yaml:"lock_timeout"`
}

// MarshalYAML writes durations as "30s" rather than nanoseconds.
func (c IndexConfig) MarshalYAML() (any, error) {
	return indexYAML{
		URL:         c.URL,
		CacheDir:    c.CacheDir,
		WheelDirs:   c.WheelDirs,
		Bundles:     c.Bundles,
		Offline:     c.Offline,
		Timeout:     c.Timeout.String(),
		Retries:     c.Retries,
		Workers:     c.Workers,
		LockTimeout: c.LockTimeout.String(),
	}, nil
}

// Template returns the settings written by "pybundle init".
func Template(name string) *Config {
	return &Config{
		Package: PackageConfig{
			Name:    name,
			Type:    string(dist.AppPlain),
			Entry:   fmt.Sprintf("from %s import handler", dist.FilesystemName(name)),
			Runtime: DefaultRuntime,
			Arch:    dist.DefaultArch,
		},
		Output: OutputConfig{Path: dist.NormalizeName(name) + ".zip"},
		Index: IndexConfig{
			URL:         DefaultIndexURL,
			Timeout:     DefaultTimeout,
			Retries:     DefaultRetries,
			Workers:     DefaultWorkers,
			LockTimeout: DefaultLockTimeout,
		},
		LogLevel: DefaultLogLevel,
	}
}
