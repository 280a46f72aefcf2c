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


package ops

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// An execution context for the pipeline stages
type Context struct {
	Log            io.Writer
	MemoryMB       int // memory.TotalMemory()/1024/1024
	BufferMemoryMB int // MemoryMB/4, budget for buffered camera frames
	MaxThreads     int `json:"maxThreads"`
}

func NewContext(log io.Writer) *Context {
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	maxThreads := cpuid.CPU.LogicalCores
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	return &Context{
		Log:            log,
		MemoryMB:       memoryMB,
		BufferMemoryMB: memoryMB / 4,
		MaxThreads:     maxThreads,
	}
}

// Prints a one-line description of the host into the log
func (c *Context) LogHost() {
	avx2 := "no AVX2"
	if cpuid.CPU.AVX2() {
		avx2 = "AVX2"
	}
	fmt.Fprintf(c.Log, "%s with %d physical / %d logical cores, %s. Physical memory %d MB, %d MB for frame buffers, using %d threads.\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, avx2, c.MemoryMB, c.BufferMemoryMB, c.MaxThreads)
}

// Bounds on the number of frames held in the frame source buffer
const (
	MinBufferedFrames = 2
	MaxBufferedFrames = 256
)

// Returns how many frames of the given number of pixels fit into the frame buffer memory budget
func (c *Context) BufferedFrames(pixelsPerFrame int) int {
	if pixelsPerFrame <= 0 {
		return MinBufferedFrames
	}
	n := int(int64(c.BufferMemoryMB) * 1024 * 1024 / 4 / int64(pixelsPerFrame))
	if n < MinBufferedFrames {
		n = MinBufferedFrames
	}
	if n > MaxBufferedFrames {
		n = MaxBufferedFrames
	}
	return n
}

// Runs fn(i) for i in [0,n) with the given concurrency limit, and waits for all calls to finish.
// Errors from individual calls are joined.
func InParallel(n, maxThreads int, fn func(i int) error) (err error) {
	if n <= 0 {
		return nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		limiter <- true
		go func(i int) {
			defer func() { <-limiter }()
			errs <- fn(i)
		}(i)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	for i := 0; i < n; i++ { // collect errors
		if e := <-errs; e != nil {
			err = errors.Join(err, e)
		}
	}
	return err
}
