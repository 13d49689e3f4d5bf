package sparsefb

import (
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver/v4"

	"github.com/gogpu/sparsefb/internal/tile"
)

// ConfigVersion is the configuration format version written by Config.Write.
const ConfigVersion = "1.0.0"

// supportedConfigVersions accepts every 1.x configuration.
var supportedConfigVersions = semver.MustParseRange(">=1.0.0 <2.0.0")

// Config is the file form of framebuffer creation options.
//
// Example config.toml:
//
//	version = "1.0.0"
//	width = 1920
//	height = 1080
//	channels = ["color", "accum", "variance"]
//	task_size = [8, 8]
//	backend = "device"
type Config struct {
	Version              string   `toml:"version"`
	Width                int      `toml:"width"`
	Height               int      `toml:"height"`
	Channels             []string `toml:"channels"`
	TaskSize             [2]int   `toml:"task_size"`
	ColorFormat          string   `toml:"color_format"`
	OverrideTaskAccumIDs bool     `toml:"override_task_accum_ids"`
	Backend              string   `toml:"backend"`
	Workers              int      `toml:"workers"`
	MemoryBudgetMB       uint64   `toml:"memory_budget_mb"`
}

// DefaultConfig returns the configuration equivalent to New's defaults for
// a 1280x720 image.
func DefaultConfig() Config {
	return Config{
		Version:     ConfigVersion,
		Width:       1280,
		Height:      720,
		Channels:    []string{ChannelColor.String()},
		TaskSize:    [2]int{8, 8},
		ColorFormat: ColorFormatRGBA8.String(),
		Backend:     BackendCPU.String(),
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their DefaultConfig values; unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("sparsefb: load config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("sparsefb: load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeConfig reads a TOML configuration from r with the same rules as
// LoadConfig.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("sparsefb: decode config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("sparsefb: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(names, ", "))
}

// Write encodes the configuration as TOML.
func (c Config) Write(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("sparsefb: write config: %w", err)
	}
	return nil
}

// Validate checks the version and every field that Options would reject.
// An empty version is treated as ConfigVersion.
func (c Config) Validate() error {
	if c.Version != "" {
		v, err := semver.ParseTolerant(c.Version)
		if err != nil {
			return fmt.Errorf("%w: version %q: %v", ErrInvalidConfig, c.Version, err)
		}
		if !supportedConfigVersions(v) {
			return fmt.Errorf("%w: %s", ErrUnsupportedConfigVersion, v)
		}
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidSize, c.Width, c.Height)
	}
	_, err := c.Options()
	return err
}

// ImageSize returns the configured image size.
func (c Config) ImageSize() image.Point {
	return image.Pt(c.Width, c.Height)
}

// Options converts the configuration to creation options.
func (c Config) Options() ([]Option, error) {
	var set Channels
	for _, name := range c.Channels {
		ch, err := ParseChannel(name)
		if err != nil {
			return nil, err
		}
		set = set.With(ch)
	}
	if err := set.validate(); err != nil {
		return nil, err
	}

	opts := []Option{
		WithChannelSet(set),
		WithOverrideTaskAccumIDs(c.OverrideTaskAccumIDs),
		WithWorkers(c.Workers),
		WithMemoryBudget(c.MemoryBudgetMB << 20),
	}

	if c.TaskSize != [2]int{} {
		if !tile.ValidTaskSize(image.Pt(c.TaskSize[0], c.TaskSize[1])) {
			return nil, fmt.Errorf("%w: got %dx%d", ErrInvalidTaskSize, c.TaskSize[0], c.TaskSize[1])
		}
		opts = append(opts, WithTaskSize(c.TaskSize[0], c.TaskSize[1]))
	}

	if c.ColorFormat != "" {
		f, err := ParseColorFormat(c.ColorFormat)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithColorFormat(f))
	}

	b, err := ParseBackend(c.Backend)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithBackend(b))

	return opts, nil
}
