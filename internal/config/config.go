package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the daemon's full configuration tree.
type Config struct {
	Server  ServerConfig  `json:"server,omitempty"`
	Runtime RuntimeConfig `json:"runtime,omitempty"`
	Session SessionConfig `json:"session,omitempty"`
	Log     LogConfig     `json:"log,omitempty"`

	// StorageDir overrides the default XDG data location for session
	// snapshots and API keys.
	StorageDir string `json:"storageDir,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// AuthDisabled turns off bearer token checks. Local development
	// only.
	AuthDisabled bool `json:"authDisabled,omitempty"`
}

// RuntimeConfig configures the container runtime workers run in.
type RuntimeConfig struct {
	Image        string `json:"image,omitempty"`
	Model        string `json:"model,omitempty"`
	Binary       string `json:"binary,omitempty"`
	StartRetries int    `json:"startRetries,omitempty"`
}

// SessionConfig configures the session manager. Durations are strings
// in Go duration syntax ("48h", "90s").
type SessionConfig struct {
	WorkspaceRoots []string `json:"workspaceRoots,omitempty"`
	IdleThreshold  Duration `json:"idleThreshold,omitempty"`
	SweepInterval  Duration `json:"sweepInterval,omitempty"`
	StopGrace      Duration `json:"stopGrace,omitempty"`
	StartTimeout   Duration `json:"startTimeout,omitempty"`
	ObserverQueue  int      `json:"observerQueue,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// Duration is a time.Duration that unmarshals from a JSON string.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std converts to the standard duration type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentd/)
// 2. Project config (<directory>/.agentd/)
// 3. AGENTD_CONFIG file
// 4. AGENTD_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. XDG global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "agentd.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "agentd.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		projectDir := filepath.Join(directory, ".agentd")
		loadOnce(filepath.Join(directory, "agentd.json"), directory)
		loadOnce(filepath.Join(directory, "agentd.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "agentd.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "agentd.jsonc"), projectDir)
	}

	// 3. AGENTD_CONFIG file override
	if configPath := os.Getenv("AGENTD_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. AGENTD_CONFIG_CONTENT inline JSON
	if content := os.Getenv("AGENTD_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	applyDefaults(config)
	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	// Handle {env:VAR_NAME} placeholders
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	// Handle {file:path} placeholders
	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(strings.TrimSpace(string(content)), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.AuthDisabled {
		target.Server.AuthDisabled = true
	}

	if source.Runtime.Image != "" {
		target.Runtime.Image = source.Runtime.Image
	}
	if source.Runtime.Model != "" {
		target.Runtime.Model = source.Runtime.Model
	}
	if source.Runtime.Binary != "" {
		target.Runtime.Binary = source.Runtime.Binary
	}
	if source.Runtime.StartRetries != 0 {
		target.Runtime.StartRetries = source.Runtime.StartRetries
	}

	if len(source.Session.WorkspaceRoots) > 0 {
		target.Session.WorkspaceRoots = append(target.Session.WorkspaceRoots, source.Session.WorkspaceRoots...)
	}
	if source.Session.IdleThreshold != 0 {
		target.Session.IdleThreshold = source.Session.IdleThreshold
	}
	if source.Session.SweepInterval != 0 {
		target.Session.SweepInterval = source.Session.SweepInterval
	}
	if source.Session.StopGrace != 0 {
		target.Session.StopGrace = source.Session.StopGrace
	}
	if source.Session.StartTimeout != 0 {
		target.Session.StartTimeout = source.Session.StartTimeout
	}
	if source.Session.ObserverQueue != 0 {
		target.Session.ObserverQueue = source.Session.ObserverQueue
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}

	if source.StorageDir != "" {
		target.StorageDir = source.StorageDir
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if host := os.Getenv("AGENTD_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("AGENTD_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			config.Server.Port = p
		}
	}
	if image := os.Getenv("AGENTD_IMAGE"); image != "" {
		config.Runtime.Image = image
	}
	if model := os.Getenv("AGENTD_MODEL"); model != "" {
		config.Runtime.Model = model
	}
	if roots := os.Getenv("AGENTD_WORKSPACE_ROOTS"); roots != "" {
		config.Session.WorkspaceRoots = strings.Split(roots, string(os.PathListSeparator))
	}
	if dir := os.Getenv("AGENTD_STORAGE_DIR"); dir != "" {
		config.StorageDir = dir
	}
	if level := os.Getenv("AGENTD_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// applyDefaults fills the values nothing else set.
func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 7321
	}
	if config.Runtime.Image == "" {
		config.Runtime.Image = "agentd-worker:latest"
	}
	if config.Runtime.Binary == "" {
		config.Runtime.Binary = "docker"
	}
	if config.StorageDir == "" {
		config.StorageDir = GetPaths().StoragePath()
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
