package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"

	// EnvPrefix prefixes the environment overlay: QGSWPS_<SECTION>_<KEY>.
	EnvPrefix = "QGSWPS"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Server     Server          `mapstructure:"server" json:"server" yaml:"server"`
	Store      Store           `mapstructure:"store" json:"store" yaml:"store"`
	Processing Processing      `mapstructure:"processing" json:"processing" yaml:"processing"`
	Archive    Archive         `mapstructure:"archive" json:"archive" yaml:"archive"`
	Metadata   ServiceMetadata `mapstructure:"metadata" json:"metadata" yaml:"metadata"`
	Logging    Logging         `mapstructure:"logging" json:"logging" yaml:"logging"`
}

type Server struct {
	Port               int           `mapstructure:"port" json:"port" yaml:"port"`
	Interfaces         string        `mapstructure:"interfaces" json:"interfaces" yaml:"interfaces"`
	Workdir            string        `mapstructure:"workdir" json:"workdir" yaml:"workdir"`
	ParallelProcesses  int           `mapstructure:"parallelprocesses" json:"parallelprocesses" yaml:"parallelprocesses"`
	ProcessLifecycle   int           `mapstructure:"processlifecycle" json:"processlifecycle" yaml:"processlifecycle"`
	MaxQueueSize       int           `mapstructure:"maxqueuesize" json:"maxqueuesize" yaml:"maxqueuesize"`
	ResponseTimeout    time.Duration `mapstructure:"response_timeout" json:"response_timeout" yaml:"response_timeout"`
	ResponseExpiration time.Duration `mapstructure:"response_expiration" json:"response_expiration" yaml:"response_expiration"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval" yaml:"cleanup_interval"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule" json:"cleanup_schedule" yaml:"cleanup_schedule"`
	DownloadTTL        time.Duration `mapstructure:"download_ttl" json:"download_ttl" yaml:"download_ttl"`
	EnableJobRealm     bool          `mapstructure:"enable_job_realm" json:"enable_job_realm" yaml:"enable_job_realm"`
	AdminRealm         string        `mapstructure:"admin_realm" json:"admin_realm" yaml:"admin_realm"`
	HostProxy          string        `mapstructure:"host_proxy" json:"host_proxy" yaml:"host_proxy"`
	CrossOrigin        string        `mapstructure:"cross_origin" json:"cross_origin" yaml:"cross_origin"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	WebUIDir           string        `mapstructure:"webui_dir" json:"webui_dir" yaml:"webui_dir"`
	InlineLimit        int64         `mapstructure:"inline_limit" json:"inline_limit" yaml:"inline_limit"`
	EarlyFailureDelay  time.Duration `mapstructure:"early_failure_delay" json:"early_failure_delay" yaml:"early_failure_delay"`
	// InProcess runs workers as goroutines instead of child processes.
	InProcess bool `mapstructure:"inprocess" json:"inprocess" yaml:"inprocess"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return s.Interfaces + ":" + strconv.Itoa(s.Port)
}

type Store struct {
	Backend string `mapstructure:"backend" json:"backend" yaml:"backend"`
	Host    string `mapstructure:"host" json:"host" yaml:"host"`
	Port    int    `mapstructure:"port" json:"port" yaml:"port"`
	DBNum   int    `mapstructure:"dbnum" json:"dbnum" yaml:"dbnum"`
	Prefix  string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
}

type Processing struct {
	ProvidersModulePath string   `mapstructure:"providers_module_path" json:"providers_module_path" yaml:"providers_module_path"`
	ExposedProviders    []string `mapstructure:"exposed_providers" json:"exposed_providers" yaml:"exposed_providers"`
	AccessPolicy        string   `mapstructure:"accesspolicy" json:"accesspolicy" yaml:"accesspolicy"`
	IsolateCatalog      bool     `mapstructure:"isolate_catalog" json:"isolate_catalog" yaml:"isolate_catalog"`
	DefaultLang         string   `mapstructure:"default_lang" json:"default_lang" yaml:"default_lang"`
}

type Archive struct {
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`
	S3  S3     `mapstructure:"s3" json:"s3" yaml:"s3"`
}

type S3 struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" json:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" json:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl" yaml:"use_ssl"`
	Region    string `mapstructure:"region" json:"region" yaml:"region"`
}

// ServiceMetadata identifies the service in capabilities documents.
type ServiceMetadata struct {
	Title        string   `mapstructure:"title" json:"title" yaml:"title"`
	Abstract     string   `mapstructure:"abstract" json:"abstract" yaml:"abstract"`
	Keywords     []string `mapstructure:"keywords" json:"keywords" yaml:"keywords"`
	ProviderName string   `mapstructure:"provider_name" json:"provider_name" yaml:"provider_name"`
	ProviderURL  string   `mapstructure:"provider_url" json:"provider_url" yaml:"provider_url"`
	ContactName  string   `mapstructure:"contact_name" json:"contact_name" yaml:"contact_name"`
	ContactEmail string   `mapstructure:"contact_email" json:"contact_email" yaml:"contact_email"`
}

type Logging struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.port":                      8080,
		"server.interfaces":                "0.0.0.0",
		"server.workdir":                   filepath.Join(os.TempDir(), "qgswps"),
		"server.parallelprocesses":         2,
		"server.processlifecycle":          0,
		"server.maxqueuesize":              100,
		"server.response_timeout":          "30m",
		"server.response_expiration":       "24h",
		"server.cleanup_interval":          "10m",
		"server.cleanup_schedule":          "",
		"server.download_ttl":              "30s",
		"server.enable_job_realm":          false,
		"server.admin_realm":               "",
		"server.host_proxy":                "",
		"server.cross_origin":              "yes",
		"server.shutdown_timeout":          "10s",
		"server.webui_dir":                 "",
		"server.inline_limit":              8192,
		"server.early_failure_delay":       "2s",
		"server.inprocess":                 false,
		"store.backend":                    StoreRedis,
		"store.host":                       "localhost",
		"store.port":                       6379,
		"store.dbnum":                      0,
		"store.prefix":                     "qgswps",
		"store.path":                       "",
		"processing.providers_module_path": "",
		"processing.exposed_providers":     []string{},
		"processing.accesspolicy":          "",
		"processing.isolate_catalog":       true,
		"processing.default_lang":          "en-US",
		"archive.dir":                      "",
		"archive.s3.endpoint":              "",
		"archive.s3.bucket":                "",
		"archive.s3.access_key":            "",
		"archive.s3.secret_key":            "",
		"archive.s3.use_ssl":               true,
		"archive.s3.region":                "",
		"metadata.title":                   "QGIS Processing Server",
		"metadata.abstract":                "Geoprocessing algorithms over WPS 1.0 and OGC API Processes",
		"metadata.keywords":                []string{"WPS", "OGC", "processing"},
		"metadata.provider_name":           "",
		"metadata.provider_url":            "",
		"metadata.contact_name":            "",
		"metadata.contact_email":           "",
		"logging.level":                    "info",
	}
}

// NewViper returns a viper instance with defaults and the environment
// overlay registered. The config file is read when path is not empty.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", ":", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return v, nil
}

// DefaultConfig returns the configuration with no file and no environment.
func DefaultConfig() Config {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	cfg, err := LoadConfig(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig decodes v into a Config and validates it against the CUE schema.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the CUE schema.
func (c Config) Validate() error {
	value := cueCtx.Encode(c)
	if value.Err() != nil {
		return value.Err()
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.All(), cue.Concrete(true)); err != nil {
		return &ConfigError{Details: humanize(err), err: err}
	}
	if c.Server.CleanupSchedule != "" {
		if _, err := ParseSchedule(c.Server.CleanupSchedule); err != nil {
			return fmt.Errorf("%w: server.cleanup_schedule: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
