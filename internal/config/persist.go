package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/utils"
)

// ConfigFilename is the name of the config file
const ConfigFilename = "config"

// ConfigType is the type of config file (yaml, json, toml)
const ConfigType = "yaml"

// EnvPrefix prefixes every environment variable read by viper.
const EnvPrefix = "PISHRINK"

// DefaultUpdateURL is queried for the latest release.
const DefaultUpdateURL = "https://api.github.com/repos/Drewsif/PiShrink/releases/latest"

// Keys lists the known configuration keys.
var Keys = []string{
	"compress.gzip",
	"compress.xz",
	"compress.zstd",
	"debug_log",
	"update_check",
	"update_url",
}

// SearchPath is one location a config file is looked up in.
type SearchPath struct {
	Type   string // user, home, system
	Path   string
	Exists bool
	InUse  bool
}

// configDirs returns the config directories in priority order.
func configDirs() []SearchPath {
	var dirs []SearchPath
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, SearchPath{Type: "user", Path: filepath.Join(userConfigDir, "pishrink")})
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, SearchPath{Type: "home", Path: filepath.Join(home, ".pishrink")})
	}
	dirs = append(dirs, SearchPath{Type: "system", Path: "/etc/pishrink"})
	return dirs
}

// InitViper initializes Viper with proper search paths and defaults
// Priority (highest to lowest):
// 1. Command-line flags (handled by cobra)
// 2. Environment variables (PISHRINK_*, and GZIP / XZ / ZSTD for compressor options)
// 3. User config file (~/.config/pishrink/config.yaml)
// 4. System config file (/etc/pishrink/config.yaml)
// 5. Defaults
func InitViper() error {
	viper.SetConfigName(ConfigFilename)
	viper.SetConfigType(ConfigType)

	for _, dir := range configDirs() {
		viper.AddConfigPath(dir.Path)
	}

	// Environment variables
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, tool := range compress.Tools {
		key := "compress." + string(tool)
		// The first non-empty variable wins.
		if err := viper.BindEnv(key, EnvPrefix+"_COMPRESS_"+strings.ToUpper(string(tool)), strings.ToUpper(string(tool))); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// Set defaults (lowest priority)
	setDefaults()

	// Read config file (non-fatal if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	utils.PrintDebug("Using config file %s", utils.StylePath(viper.ConfigFileUsed()))

	return nil
}

// setDefaults sets default values for all config keys
func setDefaults() {
	viper.SetDefault("compress.gzip", "")
	viper.SetDefault("compress.xz", "")
	viper.SetDefault("compress.zstd", "")
	viper.SetDefault("debug_log", "pishrink.log")
	viper.SetDefault("update_check", true)
	viper.SetDefault("update_url", DefaultUpdateURL)
}

// ApplyViper fills the config-backed fields of o. Fields set from flags are
// left alone; debugLog selects whether the debug log path is taken over.
func ApplyViper(o *Options, debugLog bool) {
	o.CompressOverrides = map[compress.Tool]string{}
	for _, tool := range compress.Tools {
		if v := strings.TrimSpace(viper.GetString("compress." + string(tool))); v != "" {
			o.CompressOverrides[tool] = v
		}
	}
	if debugLog {
		o.DebugLog = viper.GetString("debug_log")
	}
	o.UpdateCheck = o.UpdateCheck && viper.GetBool("update_check")
	o.UpdateURL = viper.GetString("update_url")
}

// ConfigSearchPaths reports where config files are looked up and which one
// is in use.
func ConfigSearchPaths() []SearchPath {
	used := viper.ConfigFileUsed()
	dirs := configDirs()
	for i := range dirs {
		file := filepath.Join(dirs[i].Path, ConfigFilename+"."+ConfigType)
		dirs[i].Path = file
		dirs[i].Exists = utils.FileExists(file)
		dirs[i].InUse = used != "" && used == file
	}
	return dirs
}

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		// Fallback to home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".pishrink", ConfigFilename+"."+ConfigType), nil
	}

	return filepath.Join(userConfigDir, "pishrink", ConfigFilename+"."+ConfigType), nil
}

// SaveConfig saves current Viper config to user config file
func SaveConfig() error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	return SaveConfigAs(configPath)
}

// SaveConfigAs writes the current Viper config to path.
func SaveConfigAs(configPath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsKnownKey reports whether key is a supported configuration key.
func IsKnownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// ValidateValue checks a value before it is stored under key.
func ValidateValue(key, value string) error {
	if tool, ok := strings.CutPrefix(key, "compress."); ok {
		t, err := compress.ParseTool(tool)
		if err != nil {
			return err
		}
		_, err = compress.ParseOptions(t, value)
		return err
	}
	if key == "update_check" && value != "true" && value != "false" {
		return fmt.Errorf("update_check must be true or false, got %q", value)
	}
	return nil
}
