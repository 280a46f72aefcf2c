// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


// Session configuration, loaded from YAML files. Lengths are given in microns
// and converted to metres for processing
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/holo"
	"github.com/mlnoga/holobundle/internal/pipeline"
	"github.com/mlnoga/holobundle/internal/sorter"
	"github.com/mlnoga/holobundle/internal/source"
	"gopkg.in/yaml.v3"
)

const micron = 1e-6

// Session configuration
type Config struct {
	Mode       pipeline.Mode `yaml:"mode"`
	ShiftCount int           `yaml:"shiftCount"`
	Accumulate bool          `yaml:"accumulate"`
	Reference  string        `yaml:"reference"` // locates the reference plane of a batch: fixed or darkest

	Refocus struct {
		Enabled    bool        `yaml:"enabled"`
		Depth      float64     `yaml:"depth"`      // microns
		Wavelength float64     `yaml:"wavelength"` // microns
		PixelSize  float64     `yaml:"pixelSize"`  // microns
		ShowPhase  bool        `yaml:"showPhase"`
		Invert     bool        `yaml:"invert"`
		Window     holo.Window `yaml:"window"`
	} `yaml:"refocus"`

	Bundle bundle.Options `yaml:"bundle"`

	AutoFocus struct {
		MinDepth        float64 `yaml:"minDepth"` // microns
		MaxDepth        float64 `yaml:"maxDepth"` // microns
		CoarseDivisions int     `yaml:"coarseDivisions"`
		Margin          int     `yaml:"margin"` // pixels around the region of interest
		Metric          string  `yaml:"metric"`
	} `yaml:"autofocus"`

	LUT struct {
		MinDepth float64 `yaml:"minDepth"` // microns
		MaxDepth float64 `yaml:"maxDepth"` // microns
		NumSteps int     `yaml:"numSteps"`
	} `yaml:"lut"`

	Source struct {
		Kind     string   `yaml:"kind"`     // simulated or files
		Capacity int      `yaml:"capacity"` // buffered frames, 0 sizes the buffer from available memory
		Files    []string `yaml:"files"`    // glob patterns for the files source
		Planes   int      `yaml:"planes"`   // consecutive files stacked into one unit, 1 for single frames
		Loop     bool     `yaml:"loop"`

		Simulated struct {
			Width       int     `yaml:"width"`
			Height      int     `yaml:"height"`
			LEDs        int     `yaml:"leds"`
			Stacked     bool    `yaml:"stacked"`
			CoreSpacing float64 `yaml:"coreSpacing"` // pixels
			Depth       float64 `yaml:"depth"`       // microns
			LEDShift    float64 `yaml:"ledShift"`    // pixels
			Noise       float32 `yaml:"noise"`
			IntervalMS  int     `yaml:"intervalMS"`
		} `yaml:"simulated"`
	} `yaml:"source"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Returns a configuration with the session defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Mode = pipeline.Standard
	cfg.ShiftCount = 3
	cfg.Reference = "darkest" // the simulated camera starts sequences at a rotating phase

	cfg.Refocus.Enabled = true
	cfg.Refocus.Wavelength = 0.455
	cfg.Refocus.PixelSize = 0.64
	cfg.Refocus.Window = holo.Window{Shape: holo.WindowCircular, Thickness: 20}

	cfg.Bundle.FilterSize = 2

	cfg.AutoFocus.MinDepth = 100
	cfg.AutoFocus.MaxDepth = 1500
	cfg.AutoFocus.CoarseDivisions = 20
	cfg.AutoFocus.Margin = 20
	cfg.AutoFocus.Metric = "peak"

	cfg.LUT.MinDepth = 0
	cfg.LUT.MaxDepth = 1000
	cfg.LUT.NumSteps = 10

	cfg.Source.Kind = "simulated"
	cfg.Source.Planes = 1
	sim := &cfg.Source.Simulated
	sim.Width, sim.Height = 256, 256
	sim.LEDs = 3
	sim.CoreSpacing = 4
	sim.Depth = 300
	sim.LEDShift = 2
	sim.Noise = 0.01
	sim.IntervalMS = 50

	cfg.Server.Addr = ":8080"
	return cfg
}

// Loads the configuration from a YAML file on top of the defaults.
// If the file does not exist, the defaults are returned
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Saves the configuration to a YAML file, creating its directory if needed
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Checks values which would otherwise fail deep inside processing
func (c *Config) Validate() error {
	if c.Mode == pipeline.SuperResolution && c.ShiftCount < 1 {
		return fmt.Errorf("super-resolution needs a shift count of at least 1, got %d", c.ShiftCount)
	}
	if c.Refocus.Wavelength <= 0 || c.Refocus.PixelSize <= 0 {
		return fmt.Errorf("wavelength %g and pixel size %g must be positive", c.Refocus.Wavelength, c.Refocus.PixelSize)
	}
	if c.Bundle.FilterSize < 0 {
		return fmt.Errorf("negative filter size %g", c.Bundle.FilterSize)
	}
	if c.Source.Planes < 1 {
		return fmt.Errorf("planes per unit must be at least 1, got %d", c.Source.Planes)
	}
	if _, err := holo.ParseFocusMetric(c.AutoFocus.Metric); err != nil {
		return err
	}
	if _, err := c.ReferenceLocator(); err != nil {
		return err
	}
	return nil
}

// Processing settings in SI units
func (c *Config) Settings() *pipeline.Settings {
	s := &pipeline.Settings{
		Mode:       c.Mode,
		ShiftCount: c.ShiftCount,
		Accumulate: c.Accumulate,
		Bundle:     c.Bundle,
	}
	s.Refocus = holo.RefocusState{
		Enabled:    c.Refocus.Enabled,
		Depth:      c.Refocus.Depth * micron,
		Wavelength: c.Refocus.Wavelength * micron,
		PixelSize:  c.Refocus.PixelSize * micron,
		ShowPhase:  c.Refocus.ShowPhase,
		Invert:     c.Refocus.Invert,
	}
	if c.Refocus.Window.Shape != holo.WindowNone {
		w := c.Refocus.Window
		s.Refocus.Window = &w
	}
	s.Bundle.ParamValue = s.Refocus.Depth
	return s
}

// Autofocus query over the configured range, on the full frame
func (c *Config) Query() (holo.Query, error) {
	m, err := holo.ParseFocusMetric(c.AutoFocus.Metric)
	if err != nil {
		return holo.Query{}, err
	}
	return holo.Query{
		Margin:          c.AutoFocus.Margin,
		MinDepth:        c.AutoFocus.MinDepth * micron,
		MaxDepth:        c.AutoFocus.MaxDepth * micron,
		CoarseDivisions: c.AutoFocus.CoarseDivisions,
		Metric:          m,
	}, nil
}

// Locator for the reference plane of a batch
func (c *Config) ReferenceLocator() (sorter.ReferenceLocator, error) {
	switch strings.ToLower(c.Reference) {
	case "", "fixed":
		return sorter.FixedReference(0), nil
	case "darkest":
		return sorter.DarkestPlane{}, nil
	}
	return nil, fmt.Errorf("unknown reference locator '%s'", c.Reference)
}

// LUT depth range in metres and number of steps
func (c *Config) LUTRange() (minDepth, maxDepth float64, numSteps int) {
	return c.LUT.MinDepth * micron, c.LUT.MaxDepth * micron, c.LUT.NumSteps
}

// Settings of the simulated camera in SI units, sharing the optics of the refocus settings
func (c *Config) SimulatedConfig() source.SimulatedConfig {
	sim := c.Source.Simulated
	return source.SimulatedConfig{
		Width:       sim.Width,
		Height:      sim.Height,
		LEDs:        sim.LEDs,
		Stacked:     sim.Stacked,
		CoreSpacing: sim.CoreSpacing,
		Depth:       sim.Depth * micron,
		Wavelength:  c.Refocus.Wavelength * micron,
		PixelSize:   c.Refocus.PixelSize * micron,
		LEDShift:    sim.LEDShift,
		Noise:       sim.Noise,
		Interval:    time.Duration(sim.IntervalMS) * time.Millisecond,
	}
}
