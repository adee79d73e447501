// Package config handles loading, validating, and applying
// configuration for the build fleet control plane.  Configuration is
// read from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/buildfleet/internal/driver"
	"github.com/terrpan/buildfleet/internal/driver/docker"
	"github.com/terrpan/buildfleet/internal/driver/gcp"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Driver       DriverConfig       `yaml:"driver"`
	SSH          SSHConfig          `yaml:"ssh"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTel         OTelConfig         `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Control plane
// ---------------------------------------------------------------------------

// ControlPlaneConfig describes how the control plane is reached, both
// by operators and by the executors calling back from build servers.
type ControlPlaneConfig struct {
	// BaseURL is the externally reachable URL of the control plane
	// (e.g. https://ci.example.com).  Executor callback URLs are
	// derived from it, so it must be reachable from build servers.
	BaseURL string `yaml:"base_url"`

	// ListenAddress is the HTTP bind address.  Default: ":8080".
	ListenAddress string `yaml:"listen_address"`

	// ExecutorDownloadURL is where build servers fetch the executor
	// binary from at dispatch time.
	ExecutorDownloadURL string `yaml:"executor_download_url"`
}

// ---------------------------------------------------------------------------
// Fleet
// ---------------------------------------------------------------------------

// FleetConfig holds the scaling policy for the build server fleet.
type FleetConfig struct {
	// MaxServers caps how many servers may exist in any non-terminal
	// state at once.  Default: 3.
	MaxServers int `yaml:"max_servers"`

	// IdleTimeout is how long a running, unreserved server may sit
	// idle before it is stopped.  Default: 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// UseHibernate stops idle servers in a suspend mode so resume is
	// faster, where the driver supports it.  Default: false.
	UseHibernate bool `yaml:"use_hibernate"`

	// CleanThresholdPercent triggers a cache wipe on a server whose
	// root filesystem usage exceeds it.  Default: 80.
	CleanThresholdPercent int `yaml:"clean_threshold_percent"`

	// SchedulerInterval is the scheduler tick period.  Default: 1m.
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// DriverConfig selects and configures the compute backend.
type DriverConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerDriverConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPDriverConfig `yaml:"gcp"`
}

// DockerDriverConfig holds Docker-specific driver settings.
type DockerDriverConfig struct {
	// Image is the container image for build servers.  It must run
	// sshd and carry the build toolchain.
	Image string `yaml:"image"`

	// Network is the Docker network for build server containers
	// (optional).
	Network string `yaml:"network"`

	// Privileged runs build server containers in privileged mode,
	// needed for rootless podman on most hosts.  Default: false.
	Privileged bool `yaml:"privileged"`
}

// GCPDriverConfig holds GCP Compute Engine driver settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPDriverConfig struct {
	// Project is the GCP project ID (required when driver.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for build server VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-standard-4".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the build server
	// image (required).  Examples:
	//   "projects/my-project/global/images/buildfleet-server-1234567890"
	//   "projects/my-project/global/images/family/buildfleet-server"
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 100.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether build server VMs get an external IP
	// address.  Default: true.  A *bool distinguishes "not set" from
	// "explicitly false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// build server VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// SSH
// ---------------------------------------------------------------------------

// SSHConfig authenticates the dispatcher to build servers.
type SSHConfig struct {
	// User is the account the dispatcher logs in as.  Default: "ci".
	User string `yaml:"user"`

	// KeyPath is the private key file (required).
	KeyPath string `yaml:"key_path"`

	// Port is the SSH port on build servers.  Default: 22.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// StorageConfig locates the control plane's persisted state.
type StorageConfig struct {
	// StateDir holds the fleet and job state files.
	// Default: "/var/lib/buildfleet".
	StateDir string `yaml:"state_dir"`
}

// ServersFile returns the fleet state file path.
func (s StorageConfig) ServersFile() string {
	return filepath.Join(s.StateDir, "servers.json")
}

// JobsFile returns the job state file path.
func (s StorageConfig) JobsFile() string {
	return filepath.Join(s.StateDir, "jobs.json")
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	// Default: "" (uses OTEL env vars).
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
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
	if c.ControlPlane.ListenAddress == "" {
		c.ControlPlane.ListenAddress = ":8080"
	}
	if c.Fleet.MaxServers == 0 {
		c.Fleet.MaxServers = 3
	}
	if c.Fleet.IdleTimeout == 0 {
		c.Fleet.IdleTimeout = 30 * time.Minute
	}
	if c.Fleet.CleanThresholdPercent == 0 {
		c.Fleet.CleanThresholdPercent = 80
	}
	if c.Fleet.SchedulerInterval == 0 {
		c.Fleet.SchedulerInterval = time.Minute
	}
	if c.Driver.Type == "" {
		c.Driver.Type = "docker"
	}
	if c.Driver.GCP.MachineType == "" {
		c.Driver.GCP.MachineType = "e2-standard-4"
	}
	if c.Driver.GCP.DiskSizeGB == 0 {
		c.Driver.GCP.DiskSizeGB = 100
	}
	if c.Driver.GCP.Network == "" {
		c.Driver.GCP.Network = "default"
	}
	if c.Driver.GCP.PublicIP == nil {
		t := true
		c.Driver.GCP.PublicIP = &t
	}
	if c.SSH.User == "" {
		c.SSH.User = "ci"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = "/var/lib/buildfleet"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		// If explicitly disabled, ensure insecure defaults to true for when enabled
		if c.OTel.Insecure == false && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.ControlPlane.BaseURL); err != nil {
		return fmt.Errorf("control_plane.base_url: invalid URL %q: %w", c.ControlPlane.BaseURL, err)
	}
	if c.ControlPlane.ExecutorDownloadURL == "" {
		return fmt.Errorf("control_plane.executor_download_url is required")
	}

	if c.Fleet.MaxServers < 1 {
		return fmt.Errorf("fleet.max_servers must be at least 1, got %d", c.Fleet.MaxServers)
	}
	if c.Fleet.CleanThresholdPercent < 1 || c.Fleet.CleanThresholdPercent > 100 {
		return fmt.Errorf("fleet.clean_threshold_percent must be 1-100, got %d", c.Fleet.CleanThresholdPercent)
	}

	if c.SSH.KeyPath == "" {
		return fmt.Errorf("ssh.key_path is required")
	}

	switch c.Driver.Type {
	case "docker":
		if c.Driver.Docker.Image == "" {
			return fmt.Errorf("driver.docker.image is required when driver.type is \"docker\"")
		}
	case "gcp":
		if c.Driver.GCP.Project == "" {
			return fmt.Errorf("driver.gcp.project is required when driver.type is \"gcp\"")
		}
		if c.Driver.GCP.Zone == "" {
			return fmt.Errorf("driver.gcp.zone is required when driver.type is \"gcp\"")
		}
		if c.Driver.GCP.Image == "" {
			return fmt.Errorf("driver.gcp.image is required when driver.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("driver.type %q is not supported (supported: docker, gcp)", c.Driver.Type)
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

// NewDriver creates the compute driver selected by driver.type.
func (c *Config) NewDriver(ctx context.Context, logger *slog.Logger) (driver.Driver, error) {
	switch c.Driver.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:      c.Driver.Docker.Image,
			Network:    c.Driver.Docker.Network,
			Privileged: c.Driver.Docker.Privileged,
		}, logger.WithGroup("driver.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Driver.GCP.Project,
			Zone:           c.Driver.GCP.Zone,
			MachineType:    c.Driver.GCP.MachineType,
			Image:          c.Driver.GCP.Image,
			DiskSizeGB:     c.Driver.GCP.DiskSizeGB,
			Network:        c.Driver.GCP.Network,
			Subnet:         c.Driver.GCP.Subnet,
			PublicIP:       *c.Driver.GCP.PublicIP,
			ServiceAccount: c.Driver.GCP.ServiceAccount,
		}, logger.WithGroup("driver.gcp"))
	default:
		return nil, fmt.Errorf("unsupported driver type: %s", c.Driver.Type)
	}
}
