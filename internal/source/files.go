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
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/mlnoga/holobundle/internal/frame"
)

// Replays TIFF files as camera frames. Consecutive files can be combined into stacks
type Files struct {
	FileNames []string
	Planes    int  // files per capture unit, 1 for single frames
	Loop      bool // restart at the first file when exhausted

	next int
}

// Globs the given file patterns into a sorted list of files
func NewFiles(patterns []string, planes int, loop bool) (*Files, error) {
	var names []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		names = append(names, matches...)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no files match %v", patterns)
	}
	sort.Strings(names)
	if planes < 1 {
		planes = 1
	}
	return &Files{FileNames: names, Planes: planes, Loop: loop}, nil
}

func (g *Files) Grab(ctx context.Context) (*frame.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.next+g.Planes > len(g.FileNames) {
		if !g.Loop || g.Planes > len(g.FileNames) {
			return nil, io.EOF
		}
		g.next = 0
	}
	planes := make(frame.Batch, g.Planes)
	for i := range planes {
		f, err := frame.ReadTIFF(g.FileNames[g.next])
		if err != nil {
			return nil, err
		}
		planes[i] = f
		g.next++
	}
	if g.Planes == 1 {
		return planes[0], nil
	}
	return planes.Stack()
}
