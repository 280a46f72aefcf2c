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


package rest

import (
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/holobundle/internal/calib"
	"github.com/mlnoga/holobundle/internal/holo"
	"github.com/mlnoga/holobundle/internal/pipeline"
	"github.com/mlnoga/holobundle/internal/sorter"
)

// Control server for a running worker
type Server struct {
	Worker *pipeline.Worker
	Log    io.Writer
	OutDir string     // depth stacks are written below this directory
	Query  holo.Query // defaults for autofocus requests
	LUT    LUTRange   // defaults for LUT requests
}

func NewServer(w *pipeline.Worker, log io.Writer, outDir string, q holo.Query) *Server {
	if log == nil {
		log = io.Discard
	}
	return &Server{Worker: w, Log: log, OutDir: outDir, Query: q}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.Log), gin.Recovery())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/status", s.getStatus)
			v1.GET("/settings", s.getSettings)
			v1.POST("/mode", s.postMode)
			v1.POST("/refocus", s.postRefocus)
			v1.POST("/depth", s.postDepth)
			v1.POST("/accumulate", s.postAccumulate)
			v1.POST("/bundle", s.postBundle)
			v1.POST("/autofocus", s.postAutoFocus)
			v1.POST("/calibrate", s.postCalibrate)
			v1.DELETE("/calibrate/:kind", s.deleteCalibrate)
			v1.POST("/background", s.postBackground)
			v1.POST("/srbackgrounds", s.postSRBackgrounds)
			v1.POST("/shifts", s.postShifts)
			v1.DELETE("/shifts", s.deleteShifts)
			v1.POST("/lut", s.postLUT)
			v1.GET("/calibration", s.getCalibration)
			v1.POST("/depthstack", s.postDepthStack)
			v1.GET("/frame.jpg", s.getFrameJPG)
			v1.GET("/frame.tiff", s.getFrameTIFF)
		}
	}
	return r
}

// Listens and serves on the given address until the listener fails
func (s *Server) Serve(addr string) error {
	fmt.Fprintf(s.Log, "Serving control API on %s\n", addr)
	return s.Router().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// Maps processing errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoFrameAvailable),
		errors.Is(err, calib.ErrMissingBackground),
		errors.Is(err, calib.ErrCalibrationRequired):
		return http.StatusConflict
	case errors.Is(err, sorter.ErrMalformedBatch),
		errors.Is(err, pipeline.ErrBatchSizeMismatch),
		errors.Is(err, pipeline.ErrMissingBatchDimension):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) reply(c *gin.Context, err error) {
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, s.Worker.Status())
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Worker.Status())
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Worker.Settings())
}

type postModeArgs struct {
	Mode       pipeline.Mode `json:"mode"`
	ShiftCount int           `json:"shiftCount"`
}

func (s *Server) postMode(c *gin.Context) {
	args := postModeArgs{ShiftCount: s.Worker.Settings().ShiftCount}
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := s.Worker.SetMode(args.Mode, args.ShiftCount); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.reply(c, nil)
}

func (s *Server) postRefocus(c *gin.Context) {
	args := s.Worker.Settings().Refocus
	if args.Window != nil {
		win := *args.Window // published settings are shared with the worker, bind into a copy
		args.Window = &win
	}
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if args.Wavelength <= 0 || args.PixelSize <= 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("wavelength %g and pixel size %g must be positive", args.Wavelength, args.PixelSize))
		return
	}
	s.reply(c, s.Worker.SetRefocus(args))
}

type postDepthArgs struct {
	Depth *float64 `json:"depth" binding:"required"`
}

func (s *Server) postDepth(c *gin.Context) {
	var args postDepthArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.reply(c, s.Worker.SetDepth(*args.Depth))
}

type postAccumulateArgs struct {
	Accumulate bool `json:"accumulate"`
}

func (s *Server) postAccumulate(c *gin.Context) {
	var args postAccumulateArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.reply(c, s.Worker.SetAccumulate(args.Accumulate))
}

func (s *Server) postBundle(c *gin.Context) {
	args := s.Worker.Settings().Bundle
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if args.FilterSize < 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("negative filter size %g", args.FilterSize))
		return
	}
	s.reply(c, s.Worker.SetBundleOptions(args))
}

type postAutoFocusArgs struct {
	ROI             *[4]int  `json:"roi"` // x0, y0, x1, y1
	Margin          *int     `json:"margin"`
	MinDepth        *float64 `json:"minDepth"`
	MaxDepth        *float64 `json:"maxDepth"`
	CoarseDivisions *int     `json:"coarseDivisions"`
	Metric          string   `json:"metric"`
	Apply           bool     `json:"apply"`
}

// Query from the server defaults, overridden by the given arguments
func (s *Server) query(args postAutoFocusArgs) (holo.Query, error) {
	q := s.Query
	if args.ROI != nil {
		r := image.Rect(args.ROI[0], args.ROI[1], args.ROI[2], args.ROI[3])
		if r.Empty() {
			return q, fmt.Errorf("empty region of interest %v", r)
		}
		q.ROI = &r
	}
	if args.Margin != nil {
		q.Margin = *args.Margin
	}
	if args.MinDepth != nil {
		q.MinDepth = *args.MinDepth
	}
	if args.MaxDepth != nil {
		q.MaxDepth = *args.MaxDepth
	}
	if args.CoarseDivisions != nil {
		q.CoarseDivisions = *args.CoarseDivisions
	}
	if args.Metric != "" {
		m, err := holo.ParseFocusMetric(args.Metric)
		if err != nil {
			return q, err
		}
		q.Metric = m
	}
	return q, nil
}

func (s *Server) postAutoFocus(c *gin.Context) {
	var args postAutoFocusArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	q, err := s.query(args)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	depth, err := s.Worker.AutoFocus(q, args.Apply)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth, "applied": args.Apply})
}

type postCalibrateArgs struct {
	Kind     calib.Kind `json:"kind"`
	Deferred bool       `json:"deferred"`
}

func (s *Server) postCalibrate(c *gin.Context) {
	var args postCalibrateArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if args.Deferred {
		if err := s.Worker.RequestCalibration(args.Kind); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusAccepted, s.Worker.Status())
		return
	}
	s.reply(c, s.Worker.CalibrateNow(args.Kind))
}

func (s *Server) deleteCalibrate(c *gin.Context) {
	kind, err := calib.ParseKind(c.Param("kind"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.Worker.Calib.Cancel(kind)
	s.reply(c, nil)
}

func (s *Server) postBackground(c *gin.Context) {
	s.reply(c, s.Worker.AcquireBackground())
}

type postSRBackgroundsArgs struct {
	SingleLED int `json:"singleLED"`
}

func (s *Server) postSRBackgrounds(c *gin.Context) {
	var args postSRBackgroundsArgs
	if err := c.ShouldBindJSON(&args); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, err)
		return
	}
	s.reply(c, s.Worker.AcquireSRBackgrounds(args.SingleLED))
}

func (s *Server) postShifts(c *gin.Context) {
	s.reply(c, s.Worker.CaptureShift())
}

func (s *Server) deleteShifts(c *gin.Context) {
	s.Worker.ClearShifts()
	s.reply(c, nil)
}

// Depth range in metres and number of steps of a lookup table
type LUTRange struct {
	MinDepth float64 `json:"minDepth"`
	MaxDepth float64 `json:"maxDepth"`
	NumSteps int     `json:"numSteps" binding:"min=1"`
}

func (s *Server) postLUT(c *gin.Context) {
	args := s.LUT
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	l, err := s.Worker.GenerateLUT(args.MinDepth, args.MaxDepth, args.NumSteps)
	if err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type postDepthStackArgs struct {
	MinDepth float64 `json:"minDepth"`
	MaxDepth float64 `json:"maxDepth"`
	Num      int     `json:"num"    binding:"min=1"`
	Output   string  `json:"output" binding:"required"` // file name pattern with a %d for the plane index, relative to the output directory
}

func (s *Server) getCalibration(c *gin.Context) {
	c.JSON(http.StatusOK, s.Worker.Calib.State())
}

func (s *Server) postDepthStack(c *gin.Context) {
	var args postDepthStackArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	pattern, err := OutputPath(s.OutDir, args.Output)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	stack, depths, err := s.Worker.DepthStack(args.MinDepth, args.MaxDepth, args.Num)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(pattern), 0755); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	names, err := stack.WritePlanesTIFF16(pattern)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	fmt.Fprintf(s.Log, "%d: Wrote depth stack of %d planes to %s\n", stack.ID, len(names), pattern)
	c.JSON(http.StatusOK, gin.H{"depths": depths, "files": names})
}

func (s *Server) getFrameJPG(c *gin.Context) {
	out := s.Worker.Latest()
	if out == nil {
		abort(c, http.StatusNotFound, pipeline.ErrNoFrameAvailable)
		return
	}
	quality, err := strconv.Atoi(c.DefaultQuery("quality", "90"))
	if err != nil || quality < 1 || quality > 100 {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid quality '%s'", c.Query("quality")))
		return
	}
	c.Header("Content-Type", "image/jpeg")
	c.Status(http.StatusOK)
	if out.Settings.Refocus.Enabled && out.Settings.Refocus.ShowPhase {
		err = out.Frame.WritePhaseJPG(c.Writer, quality)
	} else {
		err = out.Frame.WriteJPG(c.Writer, quality)
	}
	if err != nil {
		fmt.Fprintf(s.Log, "%d: Error writing JPG: %s\n", out.Frame.ID, err)
	}
}

func (s *Server) getFrameTIFF(c *gin.Context) {
	out := s.Worker.Latest()
	if out == nil {
		abort(c, http.StatusNotFound, pipeline.ErrNoFrameAvailable)
		return
	}
	st := out.Frame.Stats()
	c.Header("Content-Type", "image/tiff")
	c.Status(http.StatusOK)
	if err := out.Frame.WriteMonoTIFF16(c.Writer, st.Min, st.Max, 1); err != nil {
		fmt.Fprintf(s.Log, "%d: Error writing TIFF: %s\n", out.Frame.ID, err)
	}
}

// Resolves a client-supplied relative file name below the root directory.
// Absolute names and names escaping the root are rejected
func OutputPath(root, name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("output path '%s' must be relative and stay within the output directory", name)
	}
	return filepath.Join(root, name), nil
}
