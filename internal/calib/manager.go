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


// Package calib manages calibration artifacts: immediate and deferred calibration, the
// collection of shift samples and the generation of the depth lookup table.
package calib

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/sorter"
)

var (
	ErrMissingBackground   = errors.New("missing background")
	ErrCalibrationRequired = errors.New("calibration required")
)

// Kind of calibration
type Kind int

const (
	Standard Kind = iota
	SuperResolution
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Standard:
		return "standard"
	case SuperResolution:
		return "superres"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "standard":
		return Standard, nil
	case "superres", "sr":
		return SuperResolution, nil
	}
	return Standard, fmt.Errorf("unknown calibration kind '%s'", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) (err error) {
	*k, err = ParseKind(string(b))
	return err
}

// A deferred calibration, executed once enough frames are available
type Request struct {
	Kind               Kind `json:"kind"`
	RequiredFrameCount int  `json:"requiredFrameCount"`
}

// A super-resolution shift measurement at a known depth
type Sample struct {
	Depth  float64   `json:"depth"`
	Params []float64 `json:"params"`
}

// Owns the calibration artifacts. Artifacts are published as immutable snapshots,
// so readers never need a lock and tolerate unset fields at any time
type Manager struct {
	Calibrator bundle.Calibrator
	Log        io.Writer

	mu      sync.Mutex // serialises writers
	art     atomic.Pointer[bundle.Artifacts]
	pending [numKinds]*Request
	samples []Sample
}

func NewManager(cal bundle.Calibrator, log io.Writer) *Manager {
	if cal == nil {
		cal = bundle.NewCalibrator(nil)
	}
	if log == nil {
		log = io.Discard
	}
	m := &Manager{Calibrator: cal, Log: log}
	m.art.Store(&bundle.Artifacts{})
	return m
}

// Current calibration artifacts. Never nil
func (m *Manager) Artifacts() *bundle.Artifacts {
	return m.art.Load()
}

// Applies fn to a copy of the artifacts and publishes the result. Caller holds mu
func (m *Manager) update(fn func(a *bundle.Artifacts)) {
	a := m.art.Load().Clone()
	fn(a)
	m.art.Store(a)
}

// Sets the background image. Takes plane 0 of a stack
func (m *Manager) SetBackground(bg *frame.Image) {
	if bg != nil && bg.IsStack() {
		bg = bg.Plane(0)
	}
	if bg != nil {
		bg = bg.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func(a *bundle.Artifacts) { a.Background = bg })
}

// Sets the background stack used in multi-background mode
func (m *Manager) SetBackgrounds(stack *frame.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func(a *bundle.Artifacts) { a.Backgrounds = stack })
}

// Restores a previously made super-resolution calibration
func (m *Manager) SetSRCalibration(c *bundle.SRCalibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func(a *bundle.Artifacts) { a.SR = c })
}

// Restores a previously built lookup table
func (m *Manager) SetLUT(l *bundle.LUT) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func(a *bundle.Artifacts) { a.LUT = l })
}

// Derives the interpolation calibration from the background
func (m *Manager) CalibrateStandard(filterSize float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibrateStandard(filterSize)
}

func (m *Manager) calibrateStandard(filterSize float32) error {
	a := m.art.Load()
	if a.Background == nil {
		return ErrMissingBackground
	}
	c, err := m.Calibrator.Calibrate(a.Background, filterSize)
	if err != nil {
		return err
	}
	m.update(func(a *bundle.Artifacts) { a.Calibration = c })
	fmt.Fprintf(m.Log, "Calibrated with background %s and filter size %g\n", a.Background.DimensionsToString(), filterSize)
	return nil
}

// Sorts the unit and measures the super-resolution shifts from it.
// Requires a background, or a background stack in multi-background mode
func (m *Manager) CalibrateSR(unit *frame.Image, s *sorter.Sorter, opts bundle.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibrateSR(unit, s, opts)
}

func (m *Manager) calibrateSR(unit *frame.Image, s *sorter.Sorter, opts bundle.Options) error {
	a := m.art.Load()
	if (opts.MultiBackgrounds && a.Backgrounds == nil) || (!opts.MultiBackgrounds && a.Background == nil) {
		return ErrMissingBackground
	}
	batch, err := sortUnit(unit, s)
	if err != nil {
		return err
	}
	c, err := m.Calibrator.CalibrateSR(batch, opts, a)
	if err != nil {
		return err
	}
	m.update(func(a *bundle.Artifacts) { a.SR = c })
	fmt.Fprintf(m.Log, "%d: Calibrated super-resolution from %d exposures\n", unit.ID, len(batch))
	return nil
}

// Sorts a unit into a full batch, failing if it has too few planes
func sortUnit(unit *frame.Image, s *sorter.Sorter) (frame.Batch, error) {
	if unit == nil {
		return nil, fmt.Errorf("no frames to calibrate from")
	}
	batch, err := s.Sort(unit)
	if err != nil {
		return nil, fmt.Errorf("%d: %w", unit.ID, err)
	}
	if batch == nil {
		return nil, fmt.Errorf("%d: %d planes do not fill a batch of %d", unit.ID, unit.Depth(), s.BatchSize)
	}
	return batch, nil
}

// Registers a deferred calibration, replacing an outstanding request of the same kind
func (m *Manager) Request(kind Kind, requiredFrameCount int) error {
	if kind < 0 || kind >= numKinds {
		return fmt.Errorf("unknown calibration kind %v", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[kind] = &Request{Kind: kind, RequiredFrameCount: requiredFrameCount}
	return nil
}

// Returns the outstanding request of the given kind, if any
func (m *Manager) Pending(kind Kind) (Request, bool) {
	if kind < 0 || kind >= numKinds {
		return Request{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.pending[kind]; r != nil {
		return *r, true
	}
	return Request{}, false
}

// Withdraws an outstanding request
func (m *Manager) Cancel(kind Kind) {
	if kind < 0 || kind >= numKinds {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[kind] = nil
}

// Checks outstanding requests on arrival of a frame. Each request whose required frame count is
// reached by the number of available frames is executed once on the given unit, and cleared even
// if it fails. Returns the kinds executed
func (m *Manager) HandleArrival(available int, unit *frame.Image, s *sorter.Sorter, opts bundle.Options) (ran []Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.pending {
		if r == nil || available < r.RequiredFrameCount {
			continue
		}
		m.pending[k] = nil
		ran = append(ran, r.Kind)
		var e error
		switch r.Kind {
		case Standard:
			e = m.calibrateStandard(opts.FilterSize)
		case SuperResolution:
			e = m.calibrateSR(unit, s, opts)
		}
		if e != nil {
			err = errors.Join(err, fmt.Errorf("deferred %s calibration: %w", r.Kind, e))
		}
	}
	return ran, err
}

// Measures the super-resolution shifts of the unit and stores them as a sample at the given depth.
// Requires an interpolation calibration
func (m *Manager) CaptureShift(depth float64, unit *frame.Image, s *sorter.Sorter, opts bundle.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.art.Load()
	if a.Calibration == nil {
		return ErrCalibrationRequired
	}
	batch, err := sortUnit(unit, s)
	if err != nil {
		return err
	}
	c, err := m.Calibrator.CalibrateSR(batch, opts, a)
	if err != nil {
		return err
	}
	m.samples = append(m.samples, Sample{Depth: depth, Params: c.Params()})
	fmt.Fprintf(m.Log, "%d: Captured shift sample %d at depth %g\n", unit.ID, len(m.samples), depth)
	return nil
}

// Discards all shift samples
func (m *Manager) ClearShifts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
}

// Number of shift samples collected
func (m *Manager) NumShifts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Copy of the collected shift samples
func (m *Manager) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.samples...)
}

// Builds the lookup table from the collected samples and publishes it. The baseline at zero depth
// is the current super-resolution calibration, or zero shifts if there is none
func (m *Manager) GenerateLUT(minDepth, maxDepth float64, numSteps int) (*bundle.LUT, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return nil, fmt.Errorf("no shift samples captured")
	}
	baseline := make([]float64, len(m.samples[0].Params))
	if sr := m.art.Load().SR; sr != nil && len(sr.Shifts)*2 == len(baseline) {
		baseline = sr.Params()
	}
	l, err := BuildLUT(m.samples, baseline, minDepth, maxDepth, numSteps)
	if err != nil {
		return nil, err
	}
	m.update(func(a *bundle.Artifacts) { a.LUT = l })
	fmt.Fprintf(m.Log, "Generated LUT with %d steps in [%g, %g] from %d samples\n", numSteps, minDepth, maxDepth, len(m.samples))
	return l, nil
}

// Sorts the unit and uses it as background stack for multi-background mode. The plane at the
// given single LED index becomes the plain background
func (m *Manager) AcquireSRBackgrounds(unit *frame.Image, s *sorter.Sorter, singleLED int) error {
	batch, err := sortUnit(unit, s)
	if err != nil {
		return err
	}
	if singleLED < 0 || singleLED >= len(batch) {
		return fmt.Errorf("single LED index %d outside of batch of %d", singleLED, len(batch))
	}
	stack, err := batch.Stack()
	if err != nil {
		return err
	}
	bg := batch[singleLED].Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func(a *bundle.Artifacts) {
		a.Backgrounds = stack
		a.Background = bg
	})
	fmt.Fprintf(m.Log, "%d: Acquired %d backgrounds\n", unit.ID, len(batch))
	return nil
}
