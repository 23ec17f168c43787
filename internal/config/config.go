// Package config loads hlsvod's configuration from an optional YAML file
// merged with environment variables and command-line flags, matching
// spec.md §6.5.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"gopkg.in/yaml.v3"
)

// MediaLRUCapacity is fixed at 20 per spec.md §4.5 and is not user
// configurable, since the deployment contract (MaxClientNumber <
// MediaLRUCapacity) must always hold.
const MediaLRUCapacity = 20

// Config holds every recognised option of spec.md §6.5.
type Config struct {
	RootPath        string        `yaml:"root_path" env:"HLSVOD_ROOT_PATH"`
	Port            int           `yaml:"port" env:"HLSVOD_PORT" default:"4040"`
	CachePath       string        `yaml:"cache_path" env:"HLSVOD_CACHE_PATH"`
	FFmpegBinaryDir string        `yaml:"ffmpeg_binary_dir" env:"HLSVOD_FFMPEG_BINARY_DIR"`
	BufferLength    time.Duration `yaml:"buffer_length" env:"HLSVOD_BUFFER_LENGTH" default:"30s"`
	MaxClientNumber int           `yaml:"max_client_number" env:"HLSVOD_MAX_CLIENT_NUMBER" default:"5"`
	Debug           bool          `yaml:"debug" env:"HLSVOD_DEBUG"`
	NoShortCircuit  bool          `yaml:"no_short_circuit" env:"HLSVOD_NO_SHORT_CIRCUIT"`
}

// MaxBufferLength is twice BufferLength, per spec.md §6.5 ("max buffer =
// 2x").
func (c Config) MaxBufferLength() time.Duration { return 2 * c.BufferLength }

// FFmpegBinary and FFprobeBinary join the configured prefix to the binary
// name, matching the "prefix applied to ffmpeg/ffprobe" wording of §6.5.
func (c Config) FFmpegBinary() string { return filepath.Join(c.FFmpegBinaryDir, "ffmpeg") }
func (c Config) FFprobeBinary() string { return filepath.Join(c.FFmpegBinaryDir, "ffprobe") }

// Default returns a Config with every default applied except RootPath,
// which has none and must be supplied by the file, the environment, or a
// flag.
func Default() *Config {
	cfg := &Config{
		Port:            4040,
		CachePath:       filepath.Join(os.TempDir(), "hls-vod-cache"),
		BufferLength:    30 * time.Second,
		MaxClientNumber: 5,
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 && n < cfg.MaxClientNumber {
		// On very small hosts, default down rather than oversubscribe
		// encoder processes the machine cannot actually run concurrently.
		cfg.MaxClientNumber = n
	}
	return cfg
}

// Load builds a Config from defaults, then an optional YAML file at
// filePath (if non-empty and present), then environment variables, then
// flags parsed from args (flags win over everything). RootPath is
// required once all sources are merged.
func Load(filePath string, args []string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", filePath, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", filePath, err)
			}
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := applyFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("config: flags: %w", err)
	}

	if cfg.RootPath == "" {
		return nil, fmt.Errorf("config: root-path is required")
	}
	return cfg, nil
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("hlsvod", flag.ContinueOnError)
	rootPath := fs.String("root-path", cfg.RootPath, "directory tree served as media")
	port := fs.Int("port", cfg.Port, "HTTP listen port")
	cachePath := fs.String("cache-path", cfg.CachePath, "scratch directory for transcoded segments")
	ffmpegDir := fs.String("ffmpeg-binary-dir", cfg.FFmpegBinaryDir, "directory prefix for ffmpeg/ffprobe")
	bufferLength := fs.Duration("buffer-length", cfg.BufferLength, "client lookahead buffer length")
	maxClients := fs.Int("max-client-number", cfg.MaxClientNumber, "maximum tracked clients")
	debug := fs.Bool("debug", cfg.Debug, "enable debug endpoints and verbose logging")
	noShortCircuit := fs.Bool("no-short-circuit", cfg.NoShortCircuit, "disable the maybeNativelySupported hint")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.RootPath = *rootPath
	cfg.Port = *port
	cfg.CachePath = *cachePath
	cfg.FFmpegBinaryDir = *ffmpegDir
	cfg.BufferLength = *bufferLength
	cfg.MaxClientNumber = *maxClients
	cfg.Debug = *debug
	cfg.NoShortCircuit = *noShortCircuit
	return nil
}

func loadFromEnv(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		raw, ok := os.LookupEnv(envTag)
		if !ok {
			continue
		}

		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %v", field.Kind())
	}
	return nil
}
