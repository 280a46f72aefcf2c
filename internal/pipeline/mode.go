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


// Package pipeline selects how each batch of frames is processed, and runs the processing worker
// which connects the frame source, calibration and refocusing.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/holo"
)

var (
	// The batch does not have the length the active mode requires
	ErrBatchSizeMismatch = errors.New("batch size mismatch")
	// Super-resolution mode is active, but the input has no batch dimension
	ErrMissingBatchDimension = errors.New("missing batch dimension")
	// No pre-processed frame is available yet
	ErrNoFrameAvailable = holo.ErrNoFrameAvailable
)

// Processing mode
type Mode int

const (
	Standard Mode = iota
	Differential
	SuperResolution
)

func (m Mode) String() string {
	switch m {
	case Standard:
		return "standard"
	case Differential:
		return "differential"
	case SuperResolution:
		return "superres"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "standard":
		return Standard, nil
	case "differential", "diff":
		return Differential, nil
	case "superres", "sr", "superresolution":
		return SuperResolution, nil
	}
	return Standard, fmt.Errorf("unknown mode '%s'", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseMode(string(b))
	return err
}

// Number of frames a batch holds in the given mode
func BatchSizeFor(m Mode, shiftCount int) int {
	switch m {
	case Differential:
		return 2
	case SuperResolution:
		return shiftCount + 1
	}
	return 1
}

// An immutable snapshot of the pipeline settings. Replaced as a whole on every change,
// so the processing worker never sees a mode without its matching batch size
type Settings struct {
	Mode       Mode              `json:"mode"`
	ShiftCount int               `json:"shiftCount"`
	Accumulate bool              `json:"accumulate"` // Stack consecutive single frames into batches
	Refocus    holo.RefocusState `json:"refocus"`
	Bundle     bundle.Options    `json:"bundle"`
	Generation uint64            `json:"generation"` // Incremented whenever the batch layout changes
}

func (s *Settings) BatchSize() int {
	return BatchSizeFor(s.Mode, s.ShiftCount)
}

// Returns a copy for modification
func (s *Settings) clone() *Settings {
	c := *s
	if s.Refocus.Window != nil {
		w := *s.Refocus.Window
		c.Refocus.Window = &w
	}
	return &c
}
