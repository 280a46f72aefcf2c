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
	"fmt"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/sorter"
)

// Routes a raw capture unit through the transform of the active mode
type Dispatcher struct {
	Pre       bundle.PreProcessor
	Reference sorter.ReferenceLocator
}

func NewDispatcher(pre bundle.PreProcessor, ref sorter.ReferenceLocator) *Dispatcher {
	if pre == nil {
		pre = bundle.NewProcessor()
	}
	if ref == nil {
		ref = sorter.FixedReference(0)
	}
	return &Dispatcher{Pre: pre, Reference: ref}
}

// Sorter for the batch size of the given settings
func (d *Dispatcher) Sorter(s *Settings) *sorter.Sorter {
	return sorter.New(s.BatchSize(), d.Reference)
}

// Processes one raw unit under the given settings and returns the pre-processed frame.
// Standard mode uses the first plane of a stack. Differential mode needs a stack of exactly
// two planes and processes their difference. Super-resolution mode sorts a stack into a batch
// and reconstructs from the full batch
func (d *Dispatcher) Process(unit *frame.Image, s *Settings, art *bundle.Artifacts) (*frame.Image, error) {
	opts := s.Bundle
	opts.SuperRes = false

	switch s.Mode {
	case Standard:
		f := unit
		if f.IsStack() {
			f = f.Plane(0)
		}
		return d.Pre.Process(frame.Batch{f}, opts, art)

	case Differential:
		if !unit.IsStack() || unit.Depth() != 2 {
			return nil, fmt.Errorf("%d: differential mode needs 2 frames, got %s: %w", unit.ID, unit.DimensionsToString(), ErrBatchSizeMismatch)
		}
		diff, err := frame.Difference(unit.Plane(0), unit.Plane(1))
		if err != nil {
			return nil, err
		}
		return d.Pre.Process(frame.Batch{diff}, opts, art)

	case SuperResolution:
		if !unit.IsStack() {
			return nil, fmt.Errorf("%d: super-resolution mode needs a stack, got %s: %w", unit.ID, unit.DimensionsToString(), ErrMissingBatchDimension)
		}
		batch, err := d.Sorter(s).Sort(unit)
		if err != nil {
			return nil, fmt.Errorf("%d: %w", unit.ID, err)
		}
		if len(batch) != s.BatchSize() {
			return nil, fmt.Errorf("%d: super-resolution mode needs %d frames, got %s: %w", unit.ID, s.BatchSize(), unit.DimensionsToString(), ErrBatchSizeMismatch)
		}
		opts.SuperRes = true
		return d.Pre.Process(batch, opts, art)
	}
	return nil, fmt.Errorf("%d: unknown mode %v", unit.ID, s.Mode)
}
