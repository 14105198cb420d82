package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/showcase/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig   `mapstructure:"store" yaml:"store"`
	Service       ServiceConfig `mapstructure:"service" yaml:"service"`
	Presets       PresetsConfig `mapstructure:"presets" yaml:"presets"`
	Spawner       SpawnerConfig `mapstructure:"spawner" yaml:"spawner"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Store drivers.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Spawner backends.
const (
	SpawnerMemory     = "memory"
	SpawnerContainerd = "containerd"
	SpawnerGRPC       = "grpc"
)

// StoreConfig selects where dashboards are persisted.
type StoreConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	Path         string `mapstructure:"path" yaml:"path"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	EnsureSchema bool   `mapstructure:"ensure_schema" yaml:"ensure_schema"`
}

// ServiceConfig controls the build orchestrator.
type ServiceConfig struct {
	ServerNameTemplate      string   `mapstructure:"server_name_template" yaml:"server_name_template"`
	AllowNamedBackends      bool     `mapstructure:"allow_named_backends" yaml:"allow_named_backends"`
	StartTimeoutSeconds     int      `mapstructure:"start_timeout_seconds" yaml:"start_timeout_seconds"`
	DefaultPresentationType string   `mapstructure:"default_presentation_type" yaml:"default_presentation_type"`
	Command                 []string `mapstructure:"command" yaml:"command"`
	GroupPrefix             string   `mapstructure:"group_prefix" yaml:"group_prefix"`
	MaxSlugAttempts         int      `mapstructure:"max_slug_attempts" yaml:"max_slug_attempts"`
}

// PresetsConfig points at an optional TOML presets file.
type PresetsConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Strict bool   `mapstructure:"strict" yaml:"strict"`
}

// SpawnerConfig selects and configures the process spawner.
type SpawnerConfig struct {
	Backend                  string            `mapstructure:"backend" yaml:"backend"`
	SocketPath               string            `mapstructure:"socket_path" yaml:"socket_path"`
	Address                  string            `mapstructure:"address" yaml:"address"`
	KeepaliveIntervalSeconds int               `mapstructure:"keepalive_interval_seconds" yaml:"keepalive_interval_seconds"`
	KeepaliveMisses          int               `mapstructure:"keepalive_misses" yaml:"keepalive_misses"`
	StartDelayMillis         int               `mapstructure:"start_delay_ms" yaml:"start_delay_ms"`
	Image                    string            `mapstructure:"image" yaml:"image"`
	Command                  []string          `mapstructure:"command" yaml:"command"`
	Port                     int               `mapstructure:"port" yaml:"port"`
	ReadyTimeoutSeconds      int               `mapstructure:"ready_timeout_seconds" yaml:"ready_timeout_seconds"`
	StopGraceSeconds         int               `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
	HostNetwork              bool              `mapstructure:"host_network" yaml:"host_network"`
	NamePrefix               string            `mapstructure:"name_prefix" yaml:"name_prefix"`
	LogBufferBytes           int               `mapstructure:"log_buffer_bytes" yaml:"log_buffer_bytes"`
	PullTimeout              int               `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	Env                      map[string]string `mapstructure:"env" yaml:"env"`
	Containerd               ContainerdConfig  `mapstructure:"containerd" yaml:"containerd"`
	Limits                   LimitsConfig      `mapstructure:"limits" yaml:"limits"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// LimitsConfig caps each backend container as a share of the host.
type LimitsConfig struct {
	CPUPercent    int `mapstructure:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent int `mapstructure:"memory_percent" yaml:"memory_percent"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	UserHeader   string `mapstructure:"user_header" yaml:"user_header"`
	EventHistory int    `mapstructure:"event_history" yaml:"event_history"`
}

// CoreConfig converts the service section into the orchestrator config.
func (c Config) CoreConfig() (schema.ServiceConfig, error) {
	return schema.NormalizeServiceConfig(schema.ServiceConfig{
		ServerNameTemplate:      c.Service.ServerNameTemplate,
		AllowNamedBackends:      c.Service.AllowNamedBackends,
		StartTimeout:            time.Duration(c.Service.StartTimeoutSeconds) * time.Second,
		DefaultPresentationType: schema.PresentationType(c.Service.DefaultPresentationType),
		Command:                 append([]string(nil), c.Service.Command...),
		MaxSlugAttempts:         c.Service.MaxSlugAttempts,
		GroupPrefix:             c.Service.GroupPrefix,
	})
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	stateDir := filepath.Join(home, ".showcase", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Store: StoreConfig{
			Driver:       StoreFile,
			Path:         filepath.Join(stateDir, "dashboards"),
			DSN:          "",
			EnsureSchema: true,
		},
		Service: ServiceConfig{
			ServerNameTemplate:      schema.DefaultServerNameTemplate,
			AllowNamedBackends:      true,
			StartTimeoutSeconds:     int(schema.DefaultStartTimeout / time.Second),
			DefaultPresentationType: string(schema.DefaultPresentationType),
			Command:                 schema.DefaultCommand(),
			GroupPrefix:             schema.DefaultGroupPrefix,
			MaxSlugAttempts:         schema.DefaultMaxSlugAttempts,
		},
		Presets: PresetsConfig{
			Path:   "",
			Strict: false,
		},
		Spawner: SpawnerConfig{
			Backend:                  SpawnerMemory,
			SocketPath:               filepath.Join(stateDir, "spawner.sock"),
			Address:                  "",
			KeepaliveIntervalSeconds: 10,
			KeepaliveMisses:          3,
			StartDelayMillis:         500,
			Image:                    "docker.io/pktsystems/showcase-backend:latest",
			Command:                  []string{},
			Port:                     8888,
			ReadyTimeoutSeconds:      120,
			StopGraceSeconds:         10,
			HostNetwork:              false,
			NamePrefix:               "showcase-",
			LogBufferBytes:           64 << 10,
			PullTimeout:              5,
			Env:                      map[string]string{},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "showcase",
			},
			Limits: LimitsConfig{
				CPUPercent:    0,
				MemoryPercent: 0,
			},
		},
		HTTP: HTTPConfig{
			Addr:         ":27480",
			BaseURL:      "",
			BasePath:     "",
			UserHeader:   "X-Showcase-User",
			EventHistory: 64,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".showcase", "config.yaml"), nil
}
