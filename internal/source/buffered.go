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


// Package source provides the frame source: a bounded FIFO buffer filled by a grabber,
// which can be paused and resumed by consumers.
package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mlnoga/holobundle/internal/frame"
)

// Suspends and restarts acquisition. Pauses nest, acquisition restarts on the last resume
type Pauser interface {
	Pause()
	Resume()
}

// A stream of raw capture units, single frames or stacks
type FrameSource interface {
	Pauser
	// Blocks until the next frame is available, or the context is done
	Next(ctx context.Context) (*frame.Image, error)
	// Number of frames to discard when the buffer is full
	SetBatchRemovalCount(n int)
	// Number of buffered frames
	Len() int
}

// Produces raw frames, e.g. from a camera. Returns io.EOF when exhausted
type Grabber interface {
	Grab(ctx context.Context) (*frame.Image, error)
}

// Runs fn with the source paused, and resumes the source on every exit path
func WhilePaused(p Pauser, fn func() error) error {
	p.Pause()
	defer p.Resume()
	return fn()
}

// Counters of a buffered source
type Stats struct {
	Pushed   int64 `json:"pushed"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
	Capacity int   `json:"capacity"`
	Paused   bool  `json:"paused"`
}

// A bounded FIFO frame buffer. When full, the oldest frames are dropped, as many as the
// batch removal count. Assigns monotonically increasing IDs to pushed frames
type Buffered struct {
	Log io.Writer

	mu       sync.Mutex
	frames   []*frame.Image
	capacity int
	removal  int
	nextID   int
	pushed   int64
	dropped  int64
	paused   int
	wake     chan struct{} // closed when the source is resumed
	notify   chan struct{} // signalled on push
}

func NewBuffered(capacity int, log io.Writer) *Buffered {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = io.Discard
	}
	return &Buffered{
		Log:      log,
		frames:   make([]*frame.Image, 0, capacity),
		capacity: capacity,
		removal:  1,
		wake:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Appends a frame, dropping the oldest frames if the buffer is full. Never blocks
func (b *Buffered) Push(f *frame.Image) {
	b.mu.Lock()
	f.ID = b.nextID
	b.nextID++
	if len(b.frames) >= b.capacity {
		n := min(max(b.removal, 1), len(b.frames))
		for i := 0; i < n; i++ {
			b.frames[i] = nil
		}
		b.frames = append(b.frames[:0], b.frames[n:]...)
		b.dropped += int64(n)
		fmt.Fprintf(b.Log, "%d: Buffer full, dropped %d oldest frames\n", f.ID, n)
	}
	b.frames = append(b.frames, f)
	b.pushed++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffered) Next(ctx context.Context) (*frame.Image, error) {
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			f := b.frames[0]
			b.frames[0] = nil
			b.frames = b.frames[1:]
			b.mu.Unlock()
			return f, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Buffered) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *Buffered) SetBatchRemovalCount(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removal = max(n, 1)
}

func (b *Buffered) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused++
}

func (b *Buffered) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused == 0 {
		return
	}
	b.paused--
	if b.paused == 0 {
		close(b.wake)
		b.wake = make(chan struct{})
	}
}

func (b *Buffered) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused > 0
}

func (b *Buffered) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Pushed: b.pushed, Dropped: b.dropped, Buffered: len(b.frames), Capacity: b.capacity, Paused: b.paused > 0}
}

// Blocks while the source is paused
func (b *Buffered) waitWhilePaused(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.paused == 0 {
			b.mu.Unlock()
			return nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Fills the buffer from the grabber until the context is done or the grabber is exhausted.
// Grabbing stops while the source is paused
func (b *Buffered) Run(ctx context.Context, g Grabber) error {
	for {
		if err := b.waitWhilePaused(ctx); err != nil {
			return err
		}
		f, err := g.Grab(ctx)
		if err == io.EOF {
			fmt.Fprintf(b.Log, "Frame grabber exhausted after %d frames\n", b.Stats().Pushed)
			return nil
		}
		if err != nil {
			return err
		}
		b.Push(f)
	}
}
