package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.ensure_schema", cfg.Store.EnsureSchema)
	v.SetDefault("service.server_name_template", cfg.Service.ServerNameTemplate)
	v.SetDefault("service.allow_named_backends", cfg.Service.AllowNamedBackends)
	v.SetDefault("service.start_timeout_seconds", cfg.Service.StartTimeoutSeconds)
	v.SetDefault("service.default_presentation_type", cfg.Service.DefaultPresentationType)
	v.SetDefault("service.command", cfg.Service.Command)
	v.SetDefault("service.group_prefix", cfg.Service.GroupPrefix)
	v.SetDefault("service.max_slug_attempts", cfg.Service.MaxSlugAttempts)
	v.SetDefault("presets.path", cfg.Presets.Path)
	v.SetDefault("presets.strict", cfg.Presets.Strict)
	v.SetDefault("spawner.backend", cfg.Spawner.Backend)
	v.SetDefault("spawner.socket_path", cfg.Spawner.SocketPath)
	v.SetDefault("spawner.address", cfg.Spawner.Address)
	v.SetDefault("spawner.keepalive_interval_seconds", cfg.Spawner.KeepaliveIntervalSeconds)
	v.SetDefault("spawner.keepalive_misses", cfg.Spawner.KeepaliveMisses)
	v.SetDefault("spawner.start_delay_ms", cfg.Spawner.StartDelayMillis)
	v.SetDefault("spawner.image", cfg.Spawner.Image)
	v.SetDefault("spawner.command", cfg.Spawner.Command)
	v.SetDefault("spawner.port", cfg.Spawner.Port)
	v.SetDefault("spawner.ready_timeout_seconds", cfg.Spawner.ReadyTimeoutSeconds)
	v.SetDefault("spawner.stop_grace_seconds", cfg.Spawner.StopGraceSeconds)
	v.SetDefault("spawner.host_network", cfg.Spawner.HostNetwork)
	v.SetDefault("spawner.name_prefix", cfg.Spawner.NamePrefix)
	v.SetDefault("spawner.log_buffer_bytes", cfg.Spawner.LogBufferBytes)
	v.SetDefault("spawner.pull_timeout_minutes", cfg.Spawner.PullTimeout)
	v.SetDefault("spawner.env", cfg.Spawner.Env)
	v.SetDefault("spawner.containerd.address", cfg.Spawner.Containerd.Address)
	v.SetDefault("spawner.containerd.namespace", cfg.Spawner.Containerd.Namespace)
	v.SetDefault("spawner.limits.cpu_percent", cfg.Spawner.Limits.CPUPercent)
	v.SetDefault("spawner.limits.memory_percent", cfg.Spawner.Limits.MemoryPercent)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.user_header", cfg.HTTP.UserHeader)
	v.SetDefault("http.event_history", cfg.HTTP.EventHistory)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints of a loaded config.
func Validate(cfg Config) error {
	switch cfg.Store.Driver {
	case StoreFile:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return errors.New("store.path is required for the file store")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Spawner.Backend {
	case SpawnerMemory:
	case SpawnerContainerd:
		if strings.TrimSpace(cfg.Spawner.Image) == "" {
			return errors.New("spawner.image is required for the containerd spawner")
		}
		if cfg.Spawner.Containerd.Namespace == "" {
			return errors.New("spawner.containerd.namespace is required for the containerd spawner")
		}
	case SpawnerGRPC:
		if cfg.Spawner.SocketPath == "" && cfg.Spawner.Address == "" {
			return errors.New("spawner.socket_path or spawner.address is required for the grpc spawner")
		}
	default:
		return fmt.Errorf("unsupported spawner.backend %q", cfg.Spawner.Backend)
	}
	for _, limit := range []struct {
		key   string
		value int
	}{
		{"spawner.limits.cpu_percent", cfg.Spawner.Limits.CPUPercent},
		{"spawner.limits.memory_percent", cfg.Spawner.Limits.MemoryPercent},
	} {
		if limit.value < 0 || limit.value > 100 {
			return fmt.Errorf("%s must be between 0 and 100", limit.key)
		}
	}
	if strings.TrimSpace(cfg.HTTP.UserHeader) == "" {
		return errors.New("http.user_header is required")
	}
	if _, err := cfg.CoreConfig(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Presets.Path = expandEnv(cfg.Presets.Path)
	cfg.Spawner.SocketPath = expandEnv(cfg.Spawner.SocketPath)
	cfg.Spawner.Address = expandEnv(cfg.Spawner.Address)
	cfg.Spawner.Containerd.Address = expandEnv(cfg.Spawner.Containerd.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
