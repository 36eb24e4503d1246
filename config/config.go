// Package config - loads the YAML file that carries every training-target parameter.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/au-rcnn/common"
	"github.com/nvr-ai/au-rcnn/dataset"
	"github.com/nvr-ai/au-rcnn/sampler"
	"github.com/nvr-ai/au-rcnn/targets"
)

// Trainer holds the runner parameters.
type Trainer struct {
	// Workers bounds the number of batches processed at once.
	Workers int `json:"workers" yaml:"workers"`
	// Seed is the base seed; batch i draws from seed+i.
	Seed uint64 `json:"seed" yaml:"seed"`
	// Mode selects the input streams of an example.
	Mode dataset.TwoStreamMode `json:"mode" yaml:"mode"`
	// Window is the temporal window length of the flow stream.
	Window int `json:"window" yaml:"window"`
	// ReportColumns, when set, restricts reported accuracy to these label columns.
	ReportColumns []int `json:"report_columns,omitempty" yaml:"report_columns,omitempty"`
}

// Config is the root of the configuration file.
type Config struct {
	Targets       targets.Config       `json:"targets" yaml:"targets"`
	Normalization common.Normalization `json:"normalization" yaml:"normalization"`
	Sampler       sampler.Config       `json:"sampler" yaml:"sampler"`
	AU            dataset.AUConfig     `json:"au" yaml:"au"`
	Trainer       Trainer              `json:"trainer" yaml:"trainer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Targets:       targets.DefaultConfig(),
		Normalization: common.DefaultBoxNormalization(),
		Sampler:       sampler.DefaultConfig(),
		AU:            dataset.DefaultAUConfig(),
		Trainer: Trainer{
			Workers: 4,
			Seed:    0,
			Mode:    dataset.ModeRGB,
			Window:  10,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - filename: Path of the YAML file.
//
// Returns:
//   - The merged configuration, or an error if the file cannot be read, holds
//     unknown keys or fails validation.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", filename)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Targets.Validate(); err != nil {
		return errors.Wrap(err, "targets")
	}
	dim := len(c.Normalization.Mean)
	if dim != common.SegmentDim && dim != common.BoxDim {
		return errors.Wrapf(common.ErrInvalidInputShape, "normalization: length %d matches no region type", dim)
	}
	if err := c.Normalization.Validate(dim); err != nil {
		return errors.Wrap(err, "normalization")
	}
	if err := c.Sampler.Validate(); err != nil {
		return errors.Wrap(err, "sampler")
	}
	if err := c.AU.Validate(); err != nil {
		return errors.Wrap(err, "au")
	}
	if c.Trainer.Workers <= 0 {
		return errors.Errorf("trainer: workers must be positive, got %d", c.Trainer.Workers)
	}
	if err := c.Trainer.Mode.Validate(); err != nil {
		return errors.Wrap(err, "trainer")
	}
	if c.Trainer.Mode != dataset.ModeRGB && c.Trainer.Window < 2 {
		return errors.Errorf("trainer: window must be at least 2 for %s, got %d", c.Trainer.Mode, c.Trainer.Window)
	}
	for _, col := range c.Trainer.ReportColumns {
		if col < 0 || col >= len(c.AU.Classes) {
			return errors.Errorf("trainer: report column %d outside %d classes", col, len(c.AU.Classes))
		}
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
