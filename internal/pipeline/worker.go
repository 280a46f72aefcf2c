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


package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/calib"
	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/holo"
	"github.com/mlnoga/holobundle/internal/ops"
	"github.com/mlnoga/holobundle/internal/source"
)

// A completed output, published for display and export
type Output struct {
	Frame    *frame.Image `json:"-"`
	Pre      *frame.Image `json:"-"` // pre-processed frame before refocusing
	Settings *Settings    `json:"settings"`
	Time     time.Time    `json:"time"`
}

// Counters and errors of the worker
type Status struct {
	Mode             Mode            `json:"mode"`
	BatchSize        int             `json:"batchSize"`
	Processed        int64           `json:"processed"`
	Failed           int64           `json:"failed"`
	Discarded        int64           `json:"discarded"`
	LastError        string          `json:"lastError,omitempty"`
	SetupError       string          `json:"setupError,omitempty"`
	Source           source.Stats    `json:"source"`
	Pending          []calib.Request `json:"pending"`
	NumShifts        int             `json:"numShifts"`
	HasBackground    bool            `json:"hasBackground"`
	HasCalibration   bool            `json:"hasCalibration"`
	HasSRCalibration bool            `json:"hasSRCalibration"`
	HasLUT           bool            `json:"hasLUT"`
}

// Source with counters, as the buffered source provides
type statsSource interface {
	Stats() source.Stats
}

// The processing worker. A single goroutine runs Run, which pops frames from the source, accumulates
// batches, dispatches them and publishes the result. Settings are changed from other goroutines by
// swapping immutable snapshots, which take effect at the next batch boundary
type Worker struct {
	Ctx         *ops.Context
	Source      source.FrameSource
	Dispatcher  *Dispatcher
	Calib       *calib.Manager
	Propagator  holo.Propagator
	Illuminator source.Illuminator // optional

	cfgMu    sync.Mutex // serialises settings writers
	settings atomic.Pointer[Settings]
	latest   atomic.Pointer[Output]
	lastPre  atomic.Pointer[frame.Image]
	lastUnit atomic.Pointer[frame.Image]

	// owned by the processing goroutine
	partial    frame.Batch
	partialGen uint64

	processed atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
	lastErr   atomic.Pointer[string]
	setupErr  atomic.Pointer[string]
}

func NewWorker(c *ops.Context, src source.FrameSource, d *Dispatcher, m *calib.Manager, prop holo.Propagator, s *Settings) *Worker {
	if prop == nil {
		prop = holo.AngularSpectrum{}
	}
	w := &Worker{Ctx: c, Source: src, Dispatcher: d, Calib: m, Propagator: prop}
	w.settings.Store(s.clone())
	src.SetBatchRemovalCount(s.BatchSize())
	return w
}

// Current settings snapshot. Must not be modified
func (w *Worker) Settings() *Settings {
	return w.settings.Load()
}

// Latest published output, or nil
func (w *Worker) Latest() *Output {
	return w.latest.Load()
}

// Processes frames until the context is done
func (w *Worker) Run(ctx context.Context) error {
	fmt.Fprintf(w.Ctx.Log, "Processing in %s mode with batch size %d\n", w.Settings().Mode, w.Settings().BatchSize())
	for {
		if err := w.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Pops one frame from the source and handles it. Only errors of the source are returned,
// processing errors are logged and counted
func (w *Worker) Step(ctx context.Context) error {
	raw, err := w.Source.Next(ctx)
	if err != nil {
		return err
	}
	w.Handle(raw)
	return nil
}

// Handles one raw frame or stack: accumulates it into a batch, runs outstanding calibrations,
// dispatches complete batches, refocuses and publishes the result
func (w *Worker) Handle(raw *frame.Image) {
	s := w.settings.Load()
	unit := w.accumulate(raw, s)

	available := w.Source.Len() + len(w.partial)
	calUnit := unit
	if unit != nil {
		available += unit.Depth()
		w.lastUnit.Store(unit)
	} else {
		calUnit = w.lastUnit.Load()
	}
	if ran, err := w.Calib.HandleArrival(available, calUnit, w.Dispatcher.Sorter(s), s.Bundle); err != nil {
		msg := err.Error()
		w.lastErr.Store(&msg)
		fmt.Fprintf(w.Ctx.Log, "%d: %s\n", raw.ID, msg)
	} else if len(ran) > 0 {
		fmt.Fprintf(w.Ctx.Log, "%d: Ran deferred calibration %v\n", raw.ID, ran)
	}

	if unit == nil {
		return
	}
	out, err := w.process(unit, s)
	if err != nil {
		if errors.Is(err, ErrMissingBatchDimension) {
			msg := err.Error()
			w.setupErr.Store(&msg)
		}
		w.fail(unit.ID, err)
		return
	}
	if out != nil {
		w.latest.Store(out)
		w.processed.Add(1)
	}
}

// Accumulates single frames into a batch of the current size. Returns a complete unit, or nil
func (w *Worker) accumulate(raw *frame.Image, s *Settings) *frame.Image {
	if w.partialGen != s.Generation {
		w.discardPartial(raw.ID, "batch layout changed")
		w.partialGen = s.Generation
	}
	if !s.Accumulate || raw.IsStack() || s.BatchSize() == 1 {
		w.discardPartial(raw.ID, "received a complete unit")
		return raw
	}
	w.partial = append(w.partial, raw)
	if len(w.partial) < s.BatchSize() {
		return nil
	}
	unit, err := w.partial.Stack()
	w.partial = nil
	if err != nil {
		w.fail(raw.ID, err)
		return nil
	}
	return unit
}

func (w *Worker) discardPartial(id int, reason string) {
	if len(w.partial) == 0 {
		return
	}
	fmt.Fprintf(w.Ctx.Log, "%d: Discarding frames %v of partial batch, %s\n", id, w.partial.IDs(), reason)
	w.discarded.Add(int64(len(w.partial)))
	w.partial = nil
}

// Dispatches a complete unit and refocuses the result if enabled
func (w *Worker) process(unit *frame.Image, s *Settings) (*Output, error) {
	pre, err := w.Dispatcher.Process(unit, s, w.Calib.Artifacts())
	if err != nil {
		return nil, err
	}
	if pre == nil {
		return nil, nil
	}
	w.lastPre.Store(pre)
	w.setupErr.Store(nil)

	out := pre
	if s.Refocus.Enabled {
		if out, err = holo.Refocus(pre, s.Refocus, w.Propagator); err != nil {
			return nil, fmt.Errorf("%d: refocus: %w", unit.ID, err)
		}
	}
	out.Stats() // readers of the published output share the cached statistics
	return &Output{Frame: out, Pre: pre, Settings: s, Time: time.Now()}, nil
}

func (w *Worker) fail(id int, err error) {
	msg := err.Error()
	w.lastErr.Store(&msg)
	w.failed.Add(1)
	fmt.Fprintf(w.Ctx.Log, "%d: Dropping batch: %s\n", id, msg)
}

// Applies fn to a copy of the settings and publishes it
func (w *Worker) update(fn func(s *Settings) error) error {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	s := w.settings.Load().clone()
	if err := fn(s); err != nil {
		return err
	}
	w.settings.Store(s)
	return nil
}

// Switches the processing mode. The new batch size applies from the next batch, a partial batch
// under the old size is discarded. The source is told the new batch size for its removal policy
func (w *Worker) SetMode(mode Mode, shiftCount int) error {
	if mode == SuperResolution && shiftCount < 1 {
		return fmt.Errorf("invalid shift count %d", shiftCount)
	}
	var batchSize int
	err := w.update(func(s *Settings) error {
		oldMode, oldSize := s.Mode, s.BatchSize()
		s.Mode = mode
		if mode == SuperResolution {
			s.ShiftCount = shiftCount
		}
		batchSize = s.BatchSize()
		if oldMode != mode || oldSize != batchSize {
			s.Generation++
		}
		// under cfgMu, so the source always matches the published settings
		w.Source.SetBatchRemovalCount(batchSize)
		if w.Illuminator != nil {
			if mode == SuperResolution {
				w.Illuminator.SetIlluminationMode(source.Sequential)
			} else {
				w.Illuminator.SetIlluminationMode(source.Single)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w.Ctx.Log, "Switched to %s mode with batch size %d\n", mode, batchSize)
	return nil
}

// Replaces the refocus state
func (w *Worker) SetRefocus(r holo.RefocusState) error {
	return w.update(func(s *Settings) error {
		s.Refocus = r
		s.Bundle.ParamValue = r.Depth
		return nil
	})
}

// Sets the refocus depth, which is also the parameter for LUT lookups
func (w *Worker) SetDepth(depth float64) error {
	return w.update(func(s *Settings) error {
		s.Refocus.Depth = depth
		s.Bundle.ParamValue = depth
		return nil
	})
}

// Replaces the pre-processing options. The LUT parameter stays tied to the refocus depth
func (w *Worker) SetBundleOptions(opts bundle.Options) error {
	return w.update(func(s *Settings) error {
		opts.ParamValue = s.Refocus.Depth
		s.Bundle = opts
		return nil
	})
}

// Enables or disables stacking of consecutive single frames into batches
func (w *Worker) SetAccumulate(on bool) error {
	return w.update(func(s *Settings) error {
		if s.Accumulate != on {
			s.Accumulate = on
			s.Generation++
		}
		return nil
	})
}

// Searches the sharpest depth of the last pre-processed frame with the source paused.
// With apply, the depth becomes the refocus depth
func (w *Worker) AutoFocus(q holo.Query, apply bool) (float64, error) {
	pre := w.lastPre.Load()
	if pre == nil {
		return 0, ErrNoFrameAvailable
	}
	s := w.Settings()
	start := time.Now()
	depth, err := holo.AutoFocus(w.Source, pre, s.Refocus.Params(), q, w.Propagator)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(w.Ctx.Log, "%d: Autofocus found depth %g in %v\n", pre.ID, depth, time.Since(start))
	if apply {
		return depth, w.SetDepth(depth)
	}
	return depth, nil
}

// Refocuses the last pre-processed frame to evenly spaced depths
func (w *Worker) DepthStack(minDepth, maxDepth float64, n int) (*frame.Image, []float64, error) {
	pre := w.lastPre.Load()
	if pre == nil {
		return nil, nil, ErrNoFrameAvailable
	}
	return holo.DepthStack(pre, w.Settings().Refocus.Params(), minDepth, maxDepth, n, w.Propagator, w.Ctx.MaxThreads)
}

// Runs a calibration immediately, from the last complete unit for super-resolution
func (w *Worker) CalibrateNow(kind calib.Kind) error {
	s := w.Settings()
	switch kind {
	case calib.Standard:
		return w.Calib.CalibrateStandard(s.Bundle.FilterSize)
	case calib.SuperResolution:
		return w.Calib.CalibrateSR(w.lastUnit.Load(), w.Dispatcher.Sorter(s), s.Bundle)
	}
	return fmt.Errorf("unknown calibration kind %v", kind)
}

// Defers a calibration until a full batch of frames is available
func (w *Worker) RequestCalibration(kind calib.Kind) error {
	n := 1
	if kind == calib.SuperResolution {
		n = w.Settings().BatchSize()
	}
	if err := w.Calib.Request(kind, n); err != nil {
		return err
	}
	fmt.Fprintf(w.Ctx.Log, "Deferred %s calibration until %d frames are available\n", kind, n)
	return nil
}

// Measures the super-resolution shifts of the last unit at the current refocus depth
func (w *Worker) CaptureShift() error {
	s := w.Settings()
	return w.Calib.CaptureShift(s.Refocus.Depth, w.lastUnit.Load(), w.Dispatcher.Sorter(s), s.Bundle)
}

func (w *Worker) ClearShifts() {
	w.Calib.ClearShifts()
}

// Builds the depth lookup table with the source paused
func (w *Worker) GenerateLUT(minDepth, maxDepth float64, numSteps int) (l *bundle.LUT, err error) {
	err = source.WhilePaused(w.Source, func() error {
		l, err = w.Calib.GenerateLUT(minDepth, maxDepth, numSteps)
		return err
	})
	return l, err
}

// Uses the last raw unit as background
func (w *Worker) AcquireBackground() error {
	unit := w.lastUnit.Load()
	if unit == nil {
		return ErrNoFrameAvailable
	}
	w.Calib.SetBackground(unit)
	return nil
}

// Uses the sorted last unit as background stack, with the given plane as plain background
func (w *Worker) AcquireSRBackgrounds(singleLED int) error {
	unit := w.lastUnit.Load()
	if unit == nil {
		return ErrNoFrameAvailable
	}
	return w.Calib.AcquireSRBackgrounds(unit, w.Dispatcher.Sorter(w.Settings()), singleLED)
}

func (w *Worker) Status() Status {
	s := w.Settings()
	a := w.Calib.Artifacts()
	st := Status{
		Mode:             s.Mode,
		BatchSize:        s.BatchSize(),
		Processed:        w.processed.Load(),
		Failed:           w.failed.Load(),
		Discarded:        w.discarded.Load(),
		NumShifts:        w.Calib.NumShifts(),
		HasBackground:    a.Background != nil,
		HasCalibration:   a.Calibration != nil,
		HasSRCalibration: a.SR != nil,
		HasLUT:           a.LUT != nil,
	}
	if e := w.lastErr.Load(); e != nil {
		st.LastError = *e
	}
	if e := w.setupErr.Load(); e != nil {
		st.SetupError = *e
	}
	if ss, ok := w.Source.(statsSource); ok {
		st.Source = ss.Stats()
	} else {
		st.Source.Buffered = w.Source.Len()
	}
	for _, k := range []calib.Kind{calib.Standard, calib.SuperResolution} {
		if r, ok := w.Calib.Pending(k); ok {
			st.Pending = append(st.Pending, r)
		}
	}
	return st
}
