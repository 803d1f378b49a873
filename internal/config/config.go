package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	BackendPulse = "pulse"
	BackendALSA  = "alsa"
	BackendJack  = "jack"
)

// SupportedFormats maps an output format to the ffmpeg encoder used for it
var SupportedFormats = map[string]string{
	"flac": "flac",
	"wav":  "pcm_s16le",
	"mp3":  "libmp3lame",
	"ogg":  "libvorbis",
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Library  LibraryConfig  `mapstructure:"library" yaml:"library"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for the info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Audio struct {
		Backend    string // "inherited" or "profile-specific"
		Device     string
		SampleRate string
		Channels   string
	}
	Output struct {
		Directory string
		Format    string
	}
}

type AudioConfig struct {
	Backend    string   `mapstructure:"backend" yaml:"backend"` // "pulse", "alsa", "jack"
	Device     string   `mapstructure:"device" yaml:"device"`   // ffmpeg input name, "default" when empty
	SampleRate int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int      `mapstructure:"channels" yaml:"channels"`
	JackPorts  []string `mapstructure:"jack_ports" yaml:"jack_ports"` // jack backend only: [left] or [left,right]
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"`
	MinFreeMB int    `mapstructure:"min_free_mb" yaml:"min_free_mb"`
}

type LibraryConfig struct {
	Database string `mapstructure:"database" yaml:"database"`
	Watch    bool   `mapstructure:"watch" yaml:"watch"`
}

type PlaybackConfig struct {
	Players []string `mapstructure:"players" yaml:"players"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// Default returns the built-in configuration used when no file exists
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Audio: AudioConfig{
			Backend:    BackendPulse,
			Device:     "default",
			SampleRate: 48000,
			Channels:   1,
		},
		Output: OutputConfig{
			Directory: filepath.Join(home, "Audio", "VoiceRec"),
			Format:    "flac",
			MinFreeMB: 64,
		},
		Library: LibraryConfig{
			Database: filepath.Join(home, ".local", "share", "voicerec", "library.db"),
			Watch:    true,
		},
		Playback: PlaybackConfig{
			Players: []string{"vlc", "mpv", "ffplay", "aplay"},
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// DefaultPath is where the config file lives unless --config says otherwise
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/voicerec.yaml")
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		slog.Debug("Config file not found, using defaults", "path", configFile)
		cfg := mergeConfigs(Default(), &Config{})
		return cfg, validateConfig(cfg)
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in defaults, then the file's default profile, then the selected one
	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	selectedConfig := mergeConfigs(base, selectedProfile)

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Library.Database = expandPath(selectedConfig.Library.Database)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	configs := v.GetStringMap("configs")
	if _, ok := configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Profiles returns the profile names declared in the config file
func Profiles(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rootConfig.ActiveConfig, nil
}

// mergeConfigs overlays profile on base. Zero values in profile fall back to
// base, and every overridden field is marked "profile-specific".
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{}

	if base != nil {
		result.Audio = base.Audio
		result.Output = base.Output
		result.Library = base.Library
		result.Playback = base.Playback
		result.Server = base.Server

		// Mark as inherited by default
		result.Inheritance.Audio.Backend = "inherited"
		result.Inheritance.Audio.Device = "inherited"
		result.Inheritance.Audio.SampleRate = "inherited"
		result.Inheritance.Audio.Channels = "inherited"
		result.Inheritance.Output.Directory = "inherited"
		result.Inheritance.Output.Format = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		result.Inheritance.Audio.Backend = "profile-specific"
	}
	if profile.Audio.Device != "" {
		result.Audio.Device = profile.Audio.Device
		result.Inheritance.Audio.Device = "profile-specific"
	}
	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		result.Inheritance.Audio.SampleRate = "profile-specific"
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
		result.Inheritance.Audio.Channels = "profile-specific"
	}
	if len(profile.Audio.JackPorts) > 0 {
		result.Audio.JackPorts = profile.Audio.JackPorts
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.Format != "" {
		result.Output.Format = profile.Output.Format
		result.Inheritance.Output.Format = "profile-specific"
	}
	if profile.Output.MinFreeMB != 0 {
		result.Output.MinFreeMB = profile.Output.MinFreeMB
	}

	if profile.Library.Database != "" {
		result.Library.Database = profile.Library.Database
	}
	// Watch is a plain bool, so a profile can only switch it on
	if profile.Library.Watch {
		result.Library.Watch = true
	}

	if len(profile.Playback.Players) > 0 {
		result.Playback.Players = profile.Playback.Players
	}
	if profile.Server.Port != "" {
		result.Server.Port = profile.Server.Port
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat reads the config file and checks every profile
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("VOICEREC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", name)
		}
		if err := validateProfile(profile, fmt.Sprintf("configs.%s", name)); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", name, err)
		}
	}

	return &rootConfig, nil
}

// validateProfile checks only the fields a profile sets; unset fields are
// inherited and validated after merging
func validateProfile(p *Config, prefix string) error {
	if p.Audio.Backend != "" && !isValidBackend(p.Audio.Backend) {
		return fmt.Errorf("%s: 'audio.backend' must be pulse, alsa or jack, got: %s", prefix, p.Audio.Backend)
	}
	if p.Audio.SampleRate < 0 {
		return fmt.Errorf("%s: 'audio.sample_rate' must be > 0, got: %d", prefix, p.Audio.SampleRate)
	}
	if p.Audio.Channels < 0 || p.Audio.Channels > 2 {
		return fmt.Errorf("%s: 'audio.channels' must be 1 or 2, got: %d", prefix, p.Audio.Channels)
	}
	for j, port := range p.Audio.JackPorts {
		if !isValidAudioSource(port) {
			return fmt.Errorf("%s: jack_ports[%d] must be a valid JACK port, got: %s", prefix, j, port)
		}
	}
	if p.Output.Format != "" {
		if _, ok := SupportedFormats[p.Output.Format]; !ok {
			return fmt.Errorf("%s: 'output.format' must be one of flac, wav, mp3, ogg, got: %s", prefix, p.Output.Format)
		}
	}
	if p.Output.MinFreeMB < 0 {
		return fmt.Errorf("%s: 'output.min_free_mb' must be >= 0, got: %d", prefix, p.Output.MinFreeMB)
	}
	if p.Server.Port != "" && !isValidPort(p.Server.Port) {
		return fmt.Errorf("%s: 'server.port' must be a number between 1 and 65535, got: %s", prefix, p.Server.Port)
	}
	return nil
}

// validateConfig checks a fully resolved configuration
func validateConfig(c *Config) error {
	if err := validateProfile(c, "config"); err != nil {
		return err
	}
	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate is required")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels is required")
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if c.Audio.Backend == BackendJack {
		if len(c.Audio.JackPorts) == 0 {
			return fmt.Errorf("audio.jack_ports is required for the jack backend")
		}
		if len(c.Audio.JackPorts) != c.Audio.Channels {
			return fmt.Errorf("audio.channels is %d but %d jack port(s) are configured",
				c.Audio.Channels, len(c.Audio.JackPorts))
		}
	}
	return nil
}

func isValidBackend(backend string) bool {
	switch backend {
	case BackendPulse, BackendALSA, BackendJack:
		return true
	}
	return false
}

func isValidPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		return false
	}

	lastColonIndex := strings.LastIndex(source, ":")
	if lastColonIndex == -1 {
		// Device name without colon (not recommended for JACK/PipeWire)
		return true
	}

	// JACK devices may contain colons in their names, so split from the right
	deviceName := strings.TrimSpace(source[:lastColonIndex])
	channelOrPort := strings.TrimSpace(source[lastColonIndex+1:])

	return len(deviceName) > 0 && len(channelOrPort) > 0
}

// Codec returns the ffmpeg encoder for the configured output format
func (c *Config) Codec() string {
	if codec, ok := SupportedFormats[c.Output.Format]; ok {
		return codec
	}
	return "flac"
}
