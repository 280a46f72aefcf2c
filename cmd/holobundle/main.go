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


package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	hb "github.com/mlnoga/holobundle/internal"
	"github.com/mlnoga/holobundle/internal/bundle"
	"github.com/mlnoga/holobundle/internal/calib"
	"github.com/mlnoga/holobundle/internal/config"
	"github.com/mlnoga/holobundle/internal/frame"
	"github.com/mlnoga/holobundle/internal/ops"
	"github.com/mlnoga/holobundle/internal/pipeline"
	"github.com/mlnoga/holobundle/internal/rest"
	"github.com/mlnoga/holobundle/internal/source"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var cfgFile = flag.String("config", "holobundle.yaml", "load session settings from YAML `file`, defaults are used if it does not exist")
var log = flag.String("log", "", "save log output to `file` in addition to stdout")

var out = flag.String("out", "out%04d.tiff", "save processed frames as 16-bit TIFF with given filename pattern, blank=don't")
var jpg = flag.String("jpg", "", "save 8-bit previews of processed frames as JPEG with given filename pattern, e.g. `out%04d.jpg`")
var bg = flag.String("bg", "", "use TIFF `file` as background and calibrate from it")
var bgStack = flag.String("bgstack", "", "use TIFF files matching `pattern` as per-plane backgrounds for multi-background mode, in name order")
var calibFile = flag.String("calib", "", "restore super-resolution calibration, LUT and shift samples from YAML `file`, and save them there when serve exits")

var mode = flag.String("mode", "", "processing mode, one of standard, differential or superres. Blank=from config")
var shifts = flag.Int("shifts", 0, "number of shifted exposures in super-resolution mode, 0=from config")
var planes = flag.Int("planes", 0, "stack this many consecutive input files into one capture unit, 0=from config")
var accumulate = flag.Bool("accumulate", false, "stack consecutive single frames into batches")
var reference = flag.String("reference", "", "locate the reference plane of a batch: fixed or darkest. Blank=from config")

var depth = flag.Float64("depth", 0, "refocus depth in microns, 0=from config")
var refocus = flag.Bool("refocus", true, "refocus processed frames, if enabled in the config")
var phase = flag.Bool("phase", false, "output the phase instead of the amplitude of the refocused field")
var metric = flag.String("metric", "", "autofocus metric, one of peak, variance or brenner. Blank=from config")
var minDepth = flag.Float64("min", -1, "minimum depth in microns for autofocus and depth stacks, -1=from config")
var maxDepth = flag.Float64("max", -1, "maximum depth in microns for autofocus and depth stacks, -1=from config")
var numDepths = flag.Int("n", 10, "number of planes in a depth stack")

var addr = flag.String("addr", "", "listen address of the control server, blank=from config")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` (requires root)")
var setuid = flag.Int("setuid", -1, "serve: change user id after binding, -1=don't")
var outDir = flag.String("outDir", ".", "serve: directory for depth stacks requested through the API")

func main() {
	logWriter := io.Writer(os.Stdout)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `HoloBundle Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (serve|process|autofocus|depthstack|config|legal|version) (img0.tiff ... imgn.tiff)

Commands:
  serve      Process frames from the configured source and serve the control API
  process    Process input images and save the results
  autofocus  Find the sharpest refocus depth of the first input unit
  depthstack Refocus the first input unit to a range of depths and save the planes
  config     Write the effective session settings as YAML to the given file, or to stdout
  legal      Show license and attribution information
  version    Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *log != "" {
		if err := hb.LogAlsoToFile(*log); err != nil {
			hb.LogFatalf("Unable to open logfile '%s'\n", *log)
		}
		logWriter = hb.LogWriter()
	}
	defer hb.LogSync()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			hb.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			hb.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "serve":
		err = cmdServe(logWriter)
	case "process":
		err = cmdProcess(args[1:], logWriter)
	case "autofocus":
		err = cmdAutoFocus(args[1:], logWriter)
	case "depthstack":
		err = cmdDepthStack(args[1:], logWriter)
	case "config":
		err = cmdConfig(args[1:], logWriter)
	case "legal":
		cmdLegal()
		return
	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
		return
	case "help", "?":
		flag.Usage()
		return
	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			hb.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			hb.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		hb.LogSync()
		os.Exit(-1)
	}
}

// Loads the session configuration and applies explicitly set flags on top
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		return nil, err
	}
	var ferr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			if m, err := pipeline.ParseMode(*mode); err != nil {
				ferr = errors.Join(ferr, err)
			} else {
				cfg.Mode = m
			}
		case "shifts":
			cfg.ShiftCount = *shifts
		case "planes":
			cfg.Source.Planes = *planes
		case "accumulate":
			cfg.Accumulate = *accumulate
		case "reference":
			cfg.Reference = *reference
		case "depth":
			cfg.Refocus.Depth = *depth
		case "refocus":
			cfg.Refocus.Enabled = cfg.Refocus.Enabled && *refocus
		case "phase":
			cfg.Refocus.ShowPhase = *phase
		case "metric":
			cfg.AutoFocus.Metric = *metric
		case "min":
			cfg.AutoFocus.MinDepth = *minDepth
		case "max":
			cfg.AutoFocus.MaxDepth = *maxDepth
		case "addr":
			cfg.Server.Addr = *addr
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	return cfg, cfg.Validate()
}

// Creates a worker for the configuration. Backgrounds and calibration files given by flag are loaded,
// a single background is calibrated
func newWorker(cfg *config.Config, c *ops.Context, src source.FrameSource) (*pipeline.Worker, error) {
	ref, err := cfg.ReferenceLocator()
	if err != nil {
		return nil, err
	}
	pre := bundle.NewProcessor()
	m := calib.NewManager(bundle.NewCalibrator(pre), c.Log)
	w := pipeline.NewWorker(c, src, pipeline.NewDispatcher(pre, ref), m, nil, cfg.Settings())
	if *bg != "" {
		f, err := frame.ReadTIFF(*bg)
		if err != nil {
			return nil, fmt.Errorf("loading background: %w", err)
		}
		m.SetBackground(f)
		if err := m.CalibrateStandard(cfg.Bundle.FilterSize); err != nil {
			return nil, err
		}
	}
	if *bgStack != "" {
		stack, err := readStack(*bgStack)
		if err != nil {
			return nil, fmt.Errorf("loading backgrounds: %w", err)
		}
		m.SetBackgrounds(stack)
		fmt.Fprintf(c.Log, "Loaded %s backgrounds from %s\n", stack.DimensionsToString(), *bgStack)
	}
	if *calibFile != "" {
		if err := m.LoadState(*calibFile); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(c.Log, "No calibration file %s yet\n", *calibFile)
		} else if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Reads the TIFF files matching the pattern in name order into one stack
func readStack(pattern string) (*frame.Image, error) {
	names, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no files match %s", pattern)
	}
	batch := make(frame.Batch, len(names))
	for i, name := range names {
		if batch[i], err = frame.ReadTIFF(name); err != nil {
			return nil, err
		}
	}
	return batch.Stack()
}

func cmdServe(logWriter io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := ops.NewContext(logWriter)
	c.LogHost()

	var grabber source.Grabber
	var illuminator source.Illuminator
	pixels := 0
	switch cfg.Source.Kind {
	case "simulated":
		sim := source.NewSimulated(cfg.SimulatedConfig())
		grabber, illuminator = sim, sim
		pixels = sim.Config.Width * sim.Config.Height
		if sim.Config.Stacked {
			pixels *= sim.Config.LEDs + 1
		}
	case "files":
		files, err := source.NewFiles(cfg.Source.Files, cfg.Source.Planes, cfg.Source.Loop)
		if err != nil {
			return err
		}
		grabber = files
		if f, err := frame.ReadTIFF(files.FileNames[0]); err == nil {
			pixels = len(f.Data) * cfg.Source.Planes
		}
	default:
		return fmt.Errorf("unknown source kind '%s'", cfg.Source.Kind)
	}
	capacity := cfg.Source.Capacity
	if capacity <= 0 {
		capacity = c.BufferedFrames(pixels)
	}
	buf := source.NewBuffered(capacity, logWriter)
	fmt.Fprintf(logWriter, "Buffering up to %d frames from %s source\n", capacity, cfg.Source.Kind)

	w, err := newWorker(cfg, c, buf)
	if err != nil {
		return err
	}
	w.Illuminator = illuminator
	if err := w.SetMode(cfg.Mode, cfg.ShiftCount); err != nil {
		return err
	}

	q, err := cfg.Query()
	if err != nil {
		return err
	}
	srv := rest.NewServer(w, logWriter, *outDir, q)
	srv.LUT.MinDepth, srv.LUT.MaxDepth, srv.LUT.NumSteps = cfg.LUTRange()
	if err := rest.Sandbox(*chroot, *setuid, logWriter); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errs := make(chan error, 3)
	go func() { errs <- buf.Run(ctx, grabber) }()
	go func() { errs <- w.Run(ctx) }()
	go func() { errs <- srv.Serve(cfg.Server.Addr) }()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(logWriter, "Shutting down, status %+v\n", w.Status())
			if *calibFile != "" {
				return w.Calib.SaveState(*calibFile)
			}
			return nil
		case err := <-errs:
			if err != nil {
				return err
			}
		}
	}
}

// Processes all input units in order and saves each output
func cmdProcess(patterns []string, logWriter io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := ops.NewContext(logWriter)
	c.LogHost()
	files, err := source.NewFiles(patterns, cfg.Source.Planes, false)
	if err != nil {
		return err
	}
	w, err := newWorker(cfg, c, source.NewBuffered(1, logWriter))
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Processing %d files in %s mode with batch size %d\n", len(files.FileNames), cfg.Mode, w.Settings().BatchSize())

	var last *pipeline.Output
	for id := 0; ; id++ {
		unit, err := files.Grab(context.Background())
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		unit.ID = id
		w.Handle(unit)
		o := w.Latest()
		if o == nil || o == last {
			continue
		}
		last = o
		if err := saveOutput(o, logWriter); err != nil {
			return err
		}
	}
	st := w.Status()
	fmt.Fprintf(logWriter, "Processed %d batches, %d failed, %d frames discarded\n", st.Processed, st.Failed, st.Discarded)
	return nil
}

func saveOutput(o *pipeline.Output, logWriter io.Writer) error {
	f := o.Frame
	if *out != "" {
		name := fmt.Sprintf(*out, f.ID)
		s := f.Stats()
		fmt.Fprintf(logWriter, "%d: Writing %s output to %s\n", f.ID, f.DimensionsToString(), name)
		if err := f.WriteMonoTIFF16ToFile(name, s.Min, s.Max, 1); err != nil {
			return err
		}
	}
	if *jpg != "" {
		name := fmt.Sprintf(*jpg, f.ID)
		file, err := os.Create(name)
		if err != nil {
			return err
		}
		defer file.Close()
		if o.Settings.Refocus.Enabled && o.Settings.Refocus.ShowPhase {
			return f.WritePhaseJPG(file, 95)
		}
		return f.WriteJPG(file, 95)
	}
	return nil
}

// Processes input units until the first output, which autofocus and depth stacks work on
func firstOutput(cfg *config.Config, patterns []string, logWriter io.Writer) (*pipeline.Worker, error) {
	c := ops.NewContext(logWriter)
	files, err := source.NewFiles(patterns, cfg.Source.Planes, false)
	if err != nil {
		return nil, err
	}
	w, err := newWorker(cfg, c, source.NewBuffered(1, logWriter))
	if err != nil {
		return nil, err
	}
	for w.Latest() == nil {
		unit, err := files.Grab(context.Background())
		if err == io.EOF {
			return nil, fmt.Errorf("no input unit could be processed: %w", pipeline.ErrNoFrameAvailable)
		} else if err != nil {
			return nil, err
		}
		w.Handle(unit)
	}
	return w, nil
}

func cmdAutoFocus(patterns []string, logWriter io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := firstOutput(cfg, patterns, logWriter)
	if err != nil {
		return err
	}
	q, err := cfg.Query()
	if err != nil {
		return err
	}
	d, err := w.AutoFocus(q, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Sharpest depth %.1f microns by %s metric\n", d*1e6, q.Metric.Name())
	return nil
}

func cmdDepthStack(patterns []string, logWriter io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := firstOutput(cfg, patterns, logWriter)
	if err != nil {
		return err
	}
	q, err := cfg.Query()
	if err != nil {
		return err
	}
	stack, depths, err := w.DepthStack(q.MinDepth, q.MaxDepth, *numDepths)
	if err != nil {
		return err
	}
	pattern := *out
	if pattern == "" {
		pattern = "depth%02d.tiff"
	}
	if err := os.MkdirAll(filepath.Dir(pattern), 0755); err != nil {
		return err
	}
	names, err := stack.WritePlanesTIFF16(pattern)
	if err != nil {
		return err
	}
	for i, name := range names {
		fmt.Fprintf(logWriter, "%s: depth %.1f microns\n", name, depths[i]*1e6)
	}
	return nil
}

func cmdConfig(args []string, logWriter io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		fmt.Fprintf(logWriter, "Writing settings to %s\n", args[0])
		return config.SaveConfig(cfg, args[0])
	}
	enc := yaml.NewEncoder(logWriter)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
