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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/calib"
	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/holo"
	"github.com/mlnoga/holobundle/internal/ops"
	"github.com/mlnoga/holobundle/internal/sorter"
	"github.com/mlnoga/holobundle/internal/source"
)

// Pre-processor recording its inputs. Returns a copy of the first frame of the batch
type recordingPre struct {
	batches [][]float32 // first pixel of each frame, per call
	opts    []bundle.Options
}

func (p *recordingPre) Process(in frame.Batch, opts bundle.Options, art *bundle.Artifacts) (*frame.Image, error) {
	firsts := make([]float32, len(in))
	for i, f := range in {
		firsts[i] = f.Data[0]
	}
	p.batches = append(p.batches, firsts)
	p.opts = append(p.opts, opts)
	return in[0].Clone(), nil
}

// Creates a frame with the given values, one per pixel
func newFrame(values ...float32) *frame.Image {
	f := frame.NewImage(len(values), 1)
	copy(f.Data, values)
	return f
}

// Creates a stack whose plane i is filled with the value i
func newIndexedStack(depth int) *frame.Image {
	b := make(frame.Batch, depth)
	for i := range b {
		b[i] = newFrame(float32(i), float32(i))
	}
	s, _ := b.Stack()
	return s
}

func TestDispatchStandard(t *testing.T) {
	pre := &recordingPre{}
	d := NewDispatcher(pre, nil)
	s := &Settings{Mode: Standard}
	if _, err := d.Process(newFrame(5), s, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := d.Process(newIndexedStack(3), s, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(pre.batches) != 2 || pre.batches[0][0] != 5 || len(pre.batches[1]) != 1 || pre.batches[1][0] != 0 {
		t.Errorf("batches=%v; want [[5] [0]]", pre.batches)
	}
	if pre.opts[0].SuperRes {
		t.Errorf("super-resolution enabled in standard mode")
	}
}

func TestDispatchDifferentialOrder(t *testing.T) {
	pre := &recordingPre{}
	d := NewDispatcher(pre, nil)
	s := &Settings{Mode: Differential}
	a, b := newFrame(7, 1), newFrame(2, 4)

	ab, _ := frame.Batch{a, b}.Stack()
	outAB, err := d.Process(ab, s, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	ba, _ := frame.Batch{b, a}.Stack()
	outBA, err := d.Process(ba, s, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := []float32{5, -3}
	for i := range want {
		if outAB.Data[i] != want[i] {
			t.Errorf("A-B[%d]=%f; want %f", i, outAB.Data[i], want[i])
		}
		if outBA.Data[i] != -want[i] {
			t.Errorf("B-A[%d]=%f; want %f", i, outBA.Data[i], -want[i])
		}
	}
}

func TestDispatchDifferentialMismatch(t *testing.T) {
	pre := &recordingPre{}
	d := NewDispatcher(pre, nil)
	s := &Settings{Mode: Differential}
	for _, unit := range []*frame.Image{newFrame(1), newIndexedStack(3), newIndexedStack(1)} {
		out, err := d.Process(unit, s, nil)
		if out != nil || !errors.Is(err, ErrBatchSizeMismatch) {
			t.Errorf("%s: out=%v err=%v; want nil %v", unit.DimensionsToString(), out, err, ErrBatchSizeMismatch)
		}
	}
	if len(pre.batches) != 0 {
		t.Errorf("pre-processor called %d times; want 0", len(pre.batches))
	}
}

func TestDispatchSuperResolution(t *testing.T) {
	pre := &recordingPre{}
	d := NewDispatcher(pre, sorter.FixedReference(0))
	s := &Settings{Mode: SuperResolution, ShiftCount: 3}

	out, err := d.Process(newFrame(1, 2), s, nil)
	if out != nil || !errors.Is(err, ErrMissingBatchDimension) {
		t.Errorf("2-D input: out=%v err=%v; want nil %v", out, err, ErrMissingBatchDimension)
	}
	if _, err := d.Process(newIndexedStack(5), s, nil); !errors.Is(err, sorter.ErrMalformedBatch) {
		t.Errorf("depth 5: err=%v; want %v", err, sorter.ErrMalformedBatch)
	}
	if _, err := d.Process(newIndexedStack(3), s, nil); !errors.Is(err, ErrBatchSizeMismatch) {
		t.Errorf("depth 3: err=%v; want %v", err, ErrBatchSizeMismatch)
	}

	out, err = d.Process(newIndexedStack(4), s, nil)
	if err != nil || out == nil {
		t.Fatalf("out=%v err=%v; want frame", out, err)
	}
	if len(pre.batches) != 1 {
		t.Fatalf("pre-processor called %d times; want 1", len(pre.batches))
	}
	for i, v := range pre.batches[0] {
		if v != float32(i) {
			t.Errorf("batch[%d]=%f; want %d", i, v, i)
		}
	}
	if !pre.opts[0].SuperRes {
		t.Errorf("super-resolution not enabled")
	}
}

// Frame source counting pauses and batch removal updates
type countingSource struct {
	*source.Buffered
	pauses, resumes, removal int
}

func (c *countingSource) Pause()                     { c.pauses++; c.Buffered.Pause() }
func (c *countingSource) Resume()                    { c.resumes++; c.Buffered.Resume() }
func (c *countingSource) SetBatchRemovalCount(n int) { c.removal = n; c.Buffered.SetBatchRemovalCount(n) }

// Calibrator counting super-resolution calibrations
type countingCalibrator struct {
	sr int
}

func (c *countingCalibrator) Calibrate(bg *frame.Image, filterSize float32) (*bundle.Calibration, error) {
	return &bundle.Calibration{Background: bg}, nil
}

func (c *countingCalibrator) CalibrateSR(in frame.Batch, opts bundle.Options, art *bundle.Artifacts) (*bundle.SRCalibration, error) {
	c.sr++
	return &bundle.SRCalibration{Shifts: make([][2]float64, len(in))}, nil
}

func newTestWorker(pre bundle.PreProcessor, cal bundle.Calibrator, s *Settings) (*Worker, *countingSource) {
	c := &ops.Context{Log: io.Discard, MaxThreads: 2}
	src := &countingSource{Buffered: source.NewBuffered(64, nil)}
	w := NewWorker(c, src, NewDispatcher(pre, sorter.FixedReference(0)), calib.NewManager(cal, nil), nil, s)
	return w, src
}

func step(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Step(ctx); err != nil {
		t.Fatalf("step err=%v", err)
	}
}

func TestModeSwitchIdempotent(t *testing.T) {
	preA, preB := &recordingPre{}, &recordingPre{}
	switched, srcA := newTestWorker(preA, nil, &Settings{Mode: Standard})
	plain, srcB := newTestWorker(preB, nil, &Settings{Mode: Standard})

	if err := switched.SetMode(SuperResolution, 3); err != nil {
		t.Fatalf("err=%v", err)
	}
	if srcA.removal != 4 {
		t.Errorf("removal=%d; want 4", srcA.removal)
	}
	if err := switched.SetMode(Standard, 0); err != nil {
		t.Fatalf("err=%v", err)
	}
	if switched.Settings().BatchSize() != plain.Settings().BatchSize() || srcA.removal != 1 {
		t.Errorf("batch size=%d removal=%d; want %d 1", switched.Settings().BatchSize(), srcA.removal, plain.Settings().BatchSize())
	}

	srcA.Push(newFrame(3, 1, 4))
	srcB.Push(newFrame(3, 1, 4))
	step(t, switched)
	step(t, plain)
	a, b := switched.Latest(), plain.Latest()
	if a == nil || b == nil {
		t.Fatalf("outputs %v %v; want both", a, b)
	}
	for i := range a.Frame.Data {
		if a.Frame.Data[i] != b.Frame.Data[i] {
			t.Errorf("out[%d]=%f; want %f", i, a.Frame.Data[i], b.Frame.Data[i])
		}
	}
}

func TestConcurrentModeSwitchesKeepRemovalCount(t *testing.T) {
	for round := 0; round < 20; round++ {
		w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: Standard})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					w.SetMode(SuperResolution, 1+i)
				} else {
					w.SetMode(Differential, 0)
				}
			}(i)
		}
		wg.Wait()
		if want := w.Settings().BatchSize(); src.removal != want {
			t.Fatalf("round %d: removal=%d; want batch size %d", round, src.removal, want)
		}
	}
}

func TestModeSwitchDiscardsPartialBatch(t *testing.T) {
	pre := &recordingPre{}
	w, src := newTestWorker(pre, nil, &Settings{Mode: Differential, Accumulate: true})
	src.Push(newFrame(100))
	step(t, w)
	if err := w.SetMode(SuperResolution, 3); err != nil {
		t.Fatalf("err=%v", err)
	}
	for i := 0; i < 4; i++ {
		src.Push(newFrame(float32(i)))
		step(t, w)
	}
	if len(pre.batches) != 1 {
		t.Fatalf("pre-processor called %d times; want 1", len(pre.batches))
	}
	for i, v := range pre.batches[0] {
		if v != float32(i) {
			t.Errorf("batch[%d]=%f; want %d", i, v, i)
		}
	}
	if st := w.Status(); st.Discarded != 1 || st.Processed != 1 {
		t.Errorf("discarded=%d processed=%d; want 1 1", st.Discarded, st.Processed)
	}
}

func TestDeferredCalibrationOnArrival(t *testing.T) {
	cal := &countingCalibrator{}
	w, src := newTestWorker(&recordingPre{}, cal, &Settings{Mode: SuperResolution, ShiftCount: 3, Accumulate: true})
	w.Calib.SetBackground(newFrame(0, 0))
	w.RequestCalibration(calib.SuperResolution)
	if r, ok := w.Calib.Pending(calib.SuperResolution); !ok || r.RequiredFrameCount != 4 {
		t.Fatalf("pending=%v %v; want 4 frames", r, ok)
	}
	for n := 1; n <= 5; n++ {
		src.Push(newFrame(float32(n), 0))
		step(t, w)
		want := 0
		if n >= 4 {
			want = 1
		}
		if cal.sr != want {
			t.Errorf("after %d frames: calibrations=%d; want %d", n, cal.sr, want)
		}
	}
	if _, ok := w.Calib.Pending(calib.SuperResolution); ok {
		t.Errorf("request still pending")
	}
}

func TestEndToEndSuperResolution(t *testing.T) {
	pre := &recordingPre{}
	w, src := newTestWorker(pre, nil, &Settings{Mode: SuperResolution, ShiftCount: 3})
	src.Push(newIndexedStack(4))
	step(t, w)
	out := w.Latest()
	if out == nil || out.Frame == nil || out.Frame.IsStack() {
		t.Fatalf("output=%v; want single frame", out)
	}
	if len(pre.batches) != 1 || len(pre.batches[0]) != 4 {
		t.Fatalf("batches=%v; want one of 4", pre.batches)
	}
	for i, v := range pre.batches[0] {
		if v != float32(i) {
			t.Errorf("batch[%d]=%f; want %d", i, v, i)
		}
	}
}

func TestMissingBatchDimensionIsSetupError(t *testing.T) {
	w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: SuperResolution, ShiftCount: 1})
	src.Push(newFrame(1, 2))
	step(t, w)
	st := w.Status()
	if st.SetupError == "" || st.Failed != 1 || w.Latest() != nil {
		t.Errorf("setup=%q failed=%d latest=%v; want setup error", st.SetupError, st.Failed, w.Latest())
	}
	src.Push(newIndexedStack(2))
	step(t, w)
	if st := w.Status(); st.SetupError != "" || st.Processed != 1 {
		t.Errorf("setup=%q processed=%d; want cleared and 1", st.SetupError, st.Processed)
	}
}

// Propagator returning a constant field whose value depends on the depth
type peakPropagator struct {
	d0 float64
}

func (p peakPropagator) Propagate(f *frame.Image, params holo.Params) (*holo.Field, error) {
	v := complex(1/(1+(params.Depth-p.d0)*(params.Depth-p.d0)), 0)
	field := &holo.Field{ID: f.ID, Width: f.Width(), Height: f.Height(), Data: make([]complex128, f.PlaneSize())}
	for i := range field.Data {
		field.Data[i] = v
	}
	return field, nil
}

func TestAutoFocusPausesSource(t *testing.T) {
	w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: Standard})
	w.Propagator = peakPropagator{d0: 40}
	q := holo.Query{MinDepth: 0, MaxDepth: 100, CoarseDivisions: 11}
	if _, err := w.AutoFocus(q, true); !errors.Is(err, ErrNoFrameAvailable) {
		t.Errorf("err=%v; want %v", err, ErrNoFrameAvailable)
	}
	src.Push(newFrame(1, 2, 3))
	step(t, w)
	d, err := w.AutoFocus(q, true)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if d < 39.5 || d > 40.5 {
		t.Errorf("depth=%f; want 40+-0.5", d)
	}
	if src.pauses != 1 || src.resumes != 1 || src.Paused() {
		t.Errorf("pauses=%d resumes=%d paused=%v; want 1 1 false", src.pauses, src.resumes, src.Paused())
	}
	if s := w.Settings(); s.Refocus.Depth != d || s.Bundle.ParamValue != d {
		t.Errorf("depth=%f param=%f; want %f", s.Refocus.Depth, s.Bundle.ParamValue, d)
	}
}

func TestRefocusApplied(t *testing.T) {
	w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: Standard})
	w.Propagator = peakPropagator{d0: 0}
	if err := w.SetRefocus(holo.RefocusState{Enabled: true, Depth: 1, Invert: true}); err != nil {
		t.Fatalf("err=%v", err)
	}
	src.Push(newFrame(9, 9))
	step(t, w)
	out := w.Latest()
	if out == nil || out.Frame.Data[0] != 0 || out.Pre.Data[0] != 9 {
		t.Errorf("output=%v; want inverted constant field 0 and pre-processed 9", out)
	}
}

func TestGenerateLUTPausesSource(t *testing.T) {
	w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: SuperResolution, ShiftCount: 1})
	if _, err := w.GenerateLUT(0, 100, 5); err == nil {
		t.Errorf("err=nil; want no samples")
	}
	if src.pauses != 1 || src.resumes != 1 {
		t.Errorf("pauses=%d resumes=%d; want 1 1", src.pauses, src.resumes)
	}
	if err := w.CaptureShift(); !errors.Is(err, calib.ErrCalibrationRequired) {
		t.Errorf("err=%v; want %v", err, calib.ErrCalibrationRequired)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w, src := newTestWorker(&recordingPre{}, nil, &Settings{Mode: Standard})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	src.Push(newFrame(1))
	cancel()
	if err := <-done; err != nil {
		t.Errorf("err=%v; want nil", err)
	}
}
