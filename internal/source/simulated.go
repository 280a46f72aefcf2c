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


package source

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/valyala/fastrand"
)

// How the LED illuminator sequences its exposures
type IlluminationMode int

const (
	Single     IlluminationMode = iota // one LED, single frames
	Sequential                         // blank exposure followed by each LED in turn
)

func (m IlluminationMode) String() string {
	if m == Sequential {
		return "sequential"
	}
	return "single"
}

// Strategy for sequencing the illuminator, driven by the configuring layer
type Illuminator interface {
	SetIlluminationMode(m IlluminationMode)
}

// Settings of the simulated camera
type SimulatedConfig struct {
	Width       int           `json:"width"       yaml:"width"`
	Height      int           `json:"height"      yaml:"height"`
	LEDs        int           `json:"leds"        yaml:"leds"`        // LEDs in the sequence, not counting the blank exposure
	Stacked     bool          `json:"stacked"     yaml:"stacked"`     // Deliver a sequence as one stack instead of single frames
	CoreSpacing float64       `json:"coreSpacing" yaml:"coreSpacing"` // Fibre core spacing in pixels
	Depth       float64       `json:"depth"       yaml:"depth"`       // Object depth in metres
	Wavelength  float64       `json:"wavelength"  yaml:"wavelength"`
	PixelSize   float64       `json:"pixelSize"   yaml:"pixelSize"`
	LEDShift    float64       `json:"ledShift"    yaml:"ledShift"`    // Hologram shift per LED in pixels at the object depth
	Noise       float32       `json:"noise"       yaml:"noise"`       // Noise amplitude relative to full scale
	Interval    time.Duration `json:"interval"    yaml:"interval"`    // Time between frames
}

// A simulated camera behind a fibre bundle, imaging the inline hologram of a point object.
// In sequential mode, each sequence starts with a blank exposure, and sequences start at a
// rotating position in the cycle as an unsynchronised camera would
type Simulated struct {
	Config SimulatedConfig

	mu    sync.Mutex
	mode  IlluminationMode
	phase int // position in the LED cycle of the next frame
	cores []float32
	rng   fastrand.RNG
}

func NewSimulated(c SimulatedConfig) *Simulated {
	s := &Simulated{Config: c}
	s.cores = corePattern(c.Width, c.Height, c.CoreSpacing)
	return s
}

func (s *Simulated) SetIlluminationMode(m IlluminationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	s.phase = 0
}

func (s *Simulated) IlluminationMode() IlluminationMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Simulated) Grab(ctx context.Context) (*frame.Image, error) {
	if s.Config.Interval > 0 {
		t := time.NewTimer(s.Config.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cycle := s.Config.LEDs + 1
	if s.mode == Single || cycle <= 1 {
		return s.exposure(1), nil
	}
	if !s.Config.Stacked {
		f := s.exposure(s.phase)
		s.phase = (s.phase + 1) % cycle
		return f, nil
	}
	planes := make(frame.Batch, cycle)
	for i := range planes {
		planes[i] = s.exposure((s.phase + i) % cycle)
	}
	s.phase = (s.phase + 1) % cycle
	return planes.Stack()
}

// Renders the exposure with the given LED lit. LED 0 is the blank exposure
func (s *Simulated) exposure(led int) *frame.Image {
	c := s.Config
	f := frame.NewImage(c.Width, c.Height)
	if led > 0 {
		// LEDs are spread around a circle, each shifting the hologram
		angle := 2 * math.Pi * float64(led-1) / float64(max(c.LEDs, 1))
		cx := float64(c.Width)/2 + c.LEDShift*math.Cos(angle)
		cy := float64(c.Height)/2 + c.LEDShift*math.Sin(angle)
		fresnel := math.Pi * c.PixelSize * c.PixelSize / (c.Wavelength * math.Max(c.Depth, 1e-9))
		envelope := 2 / float64(c.Width*c.Width+c.Height*c.Height) * 16
		for y := 0; y < c.Height; y++ {
			for x := 0; x < c.Width; x++ {
				r2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				v := 0.5 + 0.25*math.Cos(fresnel*r2)*math.Exp(-r2*envelope)
				f.Data[y*c.Width+x] = float32(v) * s.cores[y*c.Width+x]
			}
		}
	}
	for i := range f.Data {
		f.Data[i] += c.Noise * s.gaussian()
	}
	return f
}

// Approximately normal random value via the sum of uniform values
func (s *Simulated) gaussian() float32 {
	sum := uint32(0)
	for i := 0; i < 4; i++ {
		sum += s.rng.Uint32n(1 << 16)
	}
	return (float32(sum)/(1<<16) - 2) * float32(math.Sqrt(3))
}

// Transmission of a hexagonal grid of fibre cores, in (0,1]
func corePattern(width, height int, spacing float64) []float32 {
	p := make([]float32, width*height)
	if spacing <= 0 {
		for i := range p {
			p[i] = 1
		}
		return p
	}
	rowHeight := spacing * math.Sqrt(3) / 2
	sigma2 := 2 * (spacing / 4) * (spacing / 4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			row := math.Round(float64(y) / rowHeight)
			offset := 0.0
			if int(row)%2 != 0 {
				offset = spacing / 2
			}
			col := math.Round((float64(x) - offset) / spacing)
			dx := float64(x) - (col*spacing + offset)
			dy := float64(y) - row*rowHeight
			p[y*width+x] = 0.2 + 0.8*float32(math.Exp(-(dx*dx+dy*dy)/sigma2))
		}
	}
	return p
}
