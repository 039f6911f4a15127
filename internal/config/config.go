// Package config handles loading, validating, and applying
// configuration for the burst gate and worker. Configuration is read
// from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/burst/internal/dispatch"
	"github.com/terrpan/burst/internal/dispatch/docker"
	"github.com/terrpan/burst/internal/dispatch/gcp"
	"github.com/terrpan/burst/internal/dispatch/local"
	"github.com/terrpan/burst/internal/secrets"
)

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration that unmarshals from YAML strings like
// "15m" or "60s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Gate     GateConfig     `yaml:"gate"`
	Pool     PoolConfig     `yaml:"pool"`
	Runner   RunnerConfig   `yaml:"runner"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig names the GitHub endpoints and the secrets holding
// credential material. Secrets are referenced by name, never by value
// -- the values live in the configured secret store.
type GitHubConfig struct {
	// ServerURL is the GitHub web base URL runners register against.
	// Default: "https://github.com". Set for GitHub Enterprise Server.
	ServerURL string `yaml:"server_url"`

	// APIURL overrides the REST API endpoint for Enterprise installs.
	// Empty means api.github.com.
	APIURL string `yaml:"api_url"`

	// TokenSecret is the secret-store name of the long-lived token
	// used to mint runner registration tokens. Default: "GITHUB_TOKEN".
	TokenSecret string `yaml:"token_secret"`

	// WebhookSecret is the secret-store name of the webhook signing
	// secret. Default: "GITHUB_WEBHOOK_SECRET".
	WebhookSecret string `yaml:"webhook_secret"`
}

// ---------------------------------------------------------------------------
// Gate
// ---------------------------------------------------------------------------

// GateConfig configures the webhook HTTP service.
type GateConfig struct {
	// ListenAddr is the address the gate listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

// PoolConfig identifies this deployment's worker pool.
type PoolConfig struct {
	// Name is the pool identifier, used as the runner name prefix.
	Name string `yaml:"name"`

	// Labels is the label set a queued job must fully contain to be
	// claimed by this pool. Default: ["self-hosted", <name>]. The same
	// set is applied to runners at registration time.
	Labels []string `yaml:"labels"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig configures the worker side of an invocation.
type RunnerConfig struct {
	// DistDir is the directory holding the unpacked runner
	// distribution (config.sh, run.sh, ...).
	DistDir string `yaml:"dist_dir"`

	// WorkDir is the parent directory for per-invocation work roots.
	// Default: the OS temp directory.
	WorkDir string `yaml:"work_dir"`

	// ExecutionCeiling is the platform's hard limit for one
	// invocation. Default: "15m".
	ExecutionCeiling Duration `yaml:"execution_ceiling"`

	// SafetyMargin is subtracted from ExecutionCeiling to leave room
	// for cleanup before the platform force-kills the invocation.
	// Default: "60s".
	SafetyMargin Duration `yaml:"safety_margin"`
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

// SecretsConfig selects and configures the secret store backend.
type SecretsConfig struct {
	// Backend selects the store: "env", "file", or "gcp".
	// Default: "env".
	Backend string `yaml:"backend"`

	// File holds file-backend settings. Only read when Backend == "file".
	File FileSecretsConfig `yaml:"file"`

	// GCP holds Google Secret Manager settings. Only read when
	// Backend == "gcp".
	GCP GCPSecretsConfig `yaml:"gcp"`
}

// FileSecretsConfig holds file-backend settings.
type FileSecretsConfig struct {
	// Dir is the directory containing one file per secret.
	Dir string `yaml:"dir"`
}

// GCPSecretsConfig holds Google Secret Manager settings.
type GCPSecretsConfig struct {
	// Project is the GCP project ID (required when backend == "gcp").
	Project string `yaml:"project"`
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// DispatchConfig selects and configures the dispatch backend.
type DispatchConfig struct {
	// Type selects the backend: "local", "docker", or "gcp".
	// Default: "local".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings. Only read when Type == "docker".
	Docker DockerDispatchConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings. Only read when Type == "gcp".
	GCP GCPDispatchConfig `yaml:"gcp"`
}

// DockerDispatchConfig holds Docker-specific dispatch settings.
type DockerDispatchConfig struct {
	// Image is the worker container image (required when type ==
	// "docker"). It must contain the burst binary and a pre-baked
	// runner distribution.
	Image string `yaml:"image"`

	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each worker container.
	Dind bool `yaml:"dind"`
}

// GCPDispatchConfig holds GCP Compute Engine dispatch settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPDispatchConfig struct {
	// Project is the GCP project ID (required when type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for worker VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type. Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the worker image (required).
	// Examples:
	//   "projects/my-project/global/images/burst-worker-1234567890"
	//   "projects/my-project/global/images/family/burst-worker"
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name. Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional). If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether worker VMs get an external IP address.
	// Default: true. Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// worker VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	// Default: false.
	StdOut bool `yaml:"stdout"`

	// PrometheusEnabled exposes /metrics on the gate server.
	// Default: false.
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.ServerURL == "" {
		c.GitHub.ServerURL = "https://github.com"
	}
	if c.GitHub.TokenSecret == "" {
		c.GitHub.TokenSecret = "GITHUB_TOKEN"
	}
	if c.GitHub.WebhookSecret == "" {
		c.GitHub.WebhookSecret = "GITHUB_WEBHOOK_SECRET"
	}
	if c.Gate.ListenAddr == "" {
		c.Gate.ListenAddr = ":8080"
	}
	if len(c.Pool.Labels) == 0 && c.Pool.Name != "" {
		c.Pool.Labels = []string{"self-hosted", c.Pool.Name}
	}
	if c.Runner.WorkDir == "" {
		c.Runner.WorkDir = os.TempDir()
	}
	if c.Runner.ExecutionCeiling == 0 {
		c.Runner.ExecutionCeiling = Duration(15 * time.Minute)
	}
	if c.Runner.SafetyMargin == 0 {
		c.Runner.SafetyMargin = Duration(time.Minute)
	}
	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "env"
	}
	if c.Dispatch.Type == "" {
		c.Dispatch.Type = "local"
	}
	if c.Dispatch.GCP.MachineType == "" {
		c.Dispatch.GCP.MachineType = "e2-medium"
	}
	if c.Dispatch.GCP.DiskSizeGB == 0 {
		c.Dispatch.GCP.DiskSizeGB = 50
	}
	if c.Dispatch.GCP.PublicIP == nil {
		t := true
		c.Dispatch.GCP.PublicIP = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.GitHub.ServerURL); err != nil {
		return fmt.Errorf("github.server_url: invalid URL %q: %w", c.GitHub.ServerURL, err)
	}

	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}
	for i, l := range c.Pool.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("pool.labels[%d] is empty", i)
		}
	}

	if c.Runner.SafetyMargin.Std() >= c.Runner.ExecutionCeiling.Std() {
		return fmt.Errorf("runner.safety_margin (%s) must be smaller than runner.execution_ceiling (%s)",
			c.Runner.SafetyMargin.Std(), c.Runner.ExecutionCeiling.Std())
	}

	switch c.Secrets.Backend {
	case "env":
		// OK
	case "file":
		if c.Secrets.File.Dir == "" {
			return fmt.Errorf("secrets.file.dir is required when secrets.backend is \"file\"")
		}
	case "gcp":
		if c.Secrets.GCP.Project == "" {
			return fmt.Errorf("secrets.gcp.project is required when secrets.backend is \"gcp\"")
		}
	default:
		return fmt.Errorf("secrets.backend %q is not supported (supported: env, file, gcp)", c.Secrets.Backend)
	}

	switch c.Dispatch.Type {
	case "local":
		if c.Runner.DistDir == "" {
			return fmt.Errorf("runner.dist_dir is required when dispatch.type is \"local\"")
		}
	case "docker":
		if c.Dispatch.Docker.Image == "" {
			return fmt.Errorf("dispatch.docker.image is required when dispatch.type is \"docker\"")
		}
	case "gcp":
		if c.Dispatch.GCP.Project == "" {
			return fmt.Errorf("dispatch.gcp.project is required when dispatch.type is \"gcp\"")
		}
		if c.Dispatch.GCP.Zone == "" {
			return fmt.Errorf("dispatch.gcp.zone is required when dispatch.type is \"gcp\"")
		}
		if c.Dispatch.GCP.Image == "" {
			return fmt.Errorf("dispatch.gcp.image is required when dispatch.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("dispatch.type %q is not supported (supported: local, docker, gcp)", c.Dispatch.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSecretStore creates the secret store selected by secrets.backend.
func (c *Config) NewSecretStore(ctx context.Context) (secrets.Store, error) {
	switch c.Secrets.Backend {
	case "env":
		return secrets.EnvStore{}, nil
	case "file":
		return secrets.FileStore{Dir: c.Secrets.File.Dir}, nil
	case "gcp":
		return secrets.NewGoogleStore(ctx, c.Secrets.GCP.Project)
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", c.Secrets.Backend)
	}
}

// NewDispatcher creates the dispatch backend selected by dispatch.type.
// configPath is forwarded to locally dispatched workers so they load
// the same configuration file.
func (c *Config) NewDispatcher(ctx context.Context, configPath string, logger *slog.Logger) (dispatch.Dispatcher, error) {
	switch c.Dispatch.Type {
	case "local":
		return local.New(local.Config{
			ConfigPath: configPath,
		}, logger.WithGroup("dispatch.local"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Image: c.Dispatch.Docker.Image,
			Dind:  c.Dispatch.Docker.Dind,
		}, logger.WithGroup("dispatch.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Dispatch.GCP.Project,
			Zone:           c.Dispatch.GCP.Zone,
			MachineType:    c.Dispatch.GCP.MachineType,
			Image:          c.Dispatch.GCP.Image,
			DiskSizeGB:     c.Dispatch.GCP.DiskSizeGB,
			Network:        c.Dispatch.GCP.Network,
			Subnet:         c.Dispatch.GCP.Subnet,
			PublicIP:       *c.Dispatch.GCP.PublicIP,
			ServiceAccount: c.Dispatch.GCP.ServiceAccount,
		}, logger.WithGroup("dispatch.gcp"))
	default:
		return nil, fmt.Errorf("unsupported dispatch type: %s", c.Dispatch.Type)
	}
}
