// Package pipeline wires the experiment initialization stages together:
// configuration, device selection, lens construction, and network
// construction, in that order. Initialization either completes fully or
// aborts on the first error; there is no retry and no partial recovery.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lenslab/lenslab/device"
	"github.com/lenslab/lenslab/expconfig"
	"github.com/lenslab/lenslab/fetch"
	"github.com/lenslab/lenslab/lens"
	"github.com/lenslab/lenslab/restore"
	"github.com/lenslab/lenslab/runlog"
)

// LensLoader constructs a lens model from a local specification path.
type LensLoader func(path string) (lens.Model, error)

// RestorerFactory constructs a restoration network for the given placement
// and working resolution.
type RestorerFactory func(arch restore.Arch, dev device.Device, width, height int) restore.Restorer

// Options configures a pipeline run. Zero values select the real
// implementations; tests inject stubs through the factory fields.
type Options struct {
	ConfigPath string

	// Log is the base logger. A default text logger is built when nil.
	// The run additionally logs to <run dir>/run.log.
	Log *logrus.Logger

	// Selector probes for accelerators. DefaultSelector when nil.
	Selector *device.Selector

	// LoadLens builds the lens model. lens.Load when nil.
	LoadLens LensLoader

	// NewRestorer builds the restoration network. restore.New when nil.
	NewRestorer RestorerFactory

	// Registry records the run. Recording is skipped when nil.
	Registry *runlog.Registry

	// Fetch configures staging of remote lens/weights artifacts.
	Fetch fetch.Options

	// Now supplies the run timestamp; time.Now when nil.
	Now func() time.Time
}

// RunLogName is the log file created inside each result directory.
const RunLogName = "run.log"

// Result holds the initialized experiment.
type Result struct {
	Config     *expconfig.Config
	ConfigPath string // path of the persisted resolved config
	Device     device.Device
	Lens       lens.Model
	Net        restore.Restorer
	RunID      string // registry id; empty when recording is disabled

	// RNG is the deterministic source seeded from the resolved config.
	RNG *rand.Rand
}

// Run executes the initialization pipeline.
func Run(ctx context.Context, opts Options) (*Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	// Stage 1: configuration.
	cfg, err := expconfig.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	rng, err := cfg.Resolve(now())
	if err != nil {
		return nil, err
	}

	log, closeLog, err := buildLogger(opts.Log, cfg.RunDir)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	log.WithFields(logrus.Fields{
		"run":  cfg.RunName,
		"dir":  cfg.RunDir,
		"seed": *cfg.Seed,
	}).Info("experiment initialized")

	// Stage 2: device selection.
	selector := opts.Selector
	if selector == nil {
		selector = device.DefaultSelector(log)
	}
	dev := selector.Detect()
	cfg.DeviceCount = dev.Count

	savedPath, err := cfg.Save(cfg.RunDir)
	if err != nil {
		return nil, err
	}

	var runID string
	if opts.Registry != nil {
		rec, err := opts.Registry.Begin(runlog.Run{
			Name:        cfg.RunName,
			ConfigPath:  savedPath,
			RunDir:      cfg.RunDir,
			Seed:        *cfg.Seed,
			DeviceCount: dev.Count,
			Device:      dev.String(),
		})
		if err != nil {
			return nil, err
		}
		runID = rec.ID
	}

	res, err := initModels(ctx, opts, cfg, dev, log)
	if opts.Registry != nil {
		if err != nil {
			if ferr := opts.Registry.Fail(runID, err); ferr != nil {
				log.WithError(ferr).Warn("could not record run failure")
			}
		} else if cerr := opts.Registry.Complete(runID, lensSummary(res.Lens)); cerr != nil {
			log.WithError(cerr).Warn("could not record run completion")
		}
	}
	if err != nil {
		return nil, err
	}

	res.Config = cfg
	res.ConfigPath = savedPath
	res.Device = dev
	res.RunID = runID
	res.RNG = rng
	return res, nil
}

// initModels runs the lens and network stages.
func initModels(ctx context.Context, opts Options, cfg *expconfig.Config, dev device.Device, log *logrus.Logger) (*Result, error) {
	// Stage 3: lens.
	lensPath, err := fetch.Artifact(ctx, cfg.Lens.Path, opts.Fetch)
	if err != nil {
		return nil, fmt.Errorf("stage lens spec: %w", err)
	}

	loadLens := opts.LoadLens
	if loadLens == nil {
		loadLens = func(path string) (lens.Model, error) { return lens.Load(path) }
	}
	model, err := loadLens(lensPath)
	if err != nil {
		return nil, err
	}
	if err := model.SetSensorResolution(cfg.Train.ImgRes[0], cfg.Train.ImgRes[1]); err != nil {
		return nil, err
	}

	logLensDiagnostics(log, model)

	// Stage 4: network.
	newRestorer := opts.NewRestorer
	if newRestorer == nil {
		newRestorer = func(arch restore.Arch, dev device.Device, w, h int) restore.Restorer {
			return restore.New(arch, dev, w, h)
		}
	}
	arch := restore.DefaultArch()
	net := newRestorer(arch, dev, cfg.Train.ImgRes[0], cfg.Train.ImgRes[1])

	if cfg.Network.Pretrained != "" {
		weightsPath, err := fetch.Artifact(ctx, cfg.Network.Pretrained, opts.Fetch)
		if err != nil {
			return nil, fmt.Errorf("stage pretrained weights: %w", err)
		}
		if err := net.LoadWeights(weightsPath); err != nil {
			return nil, err
		}
		log.WithField("weights", weightsPath).Info("pretrained weights applied")
	} else {
		log.Info("no pretrained weights configured, network randomly initialized")
	}

	log.WithFields(logrus.Fields{
		"arch":   arch.String(),
		"device": dev.String(),
	}).Info("restoration network ready")

	return &Result{Lens: model, Net: net}, nil
}

// buildLogger returns a logger that writes both to the base logger's output
// and to run.log inside the result directory.
func buildLogger(base *logrus.Logger, runDir string) (*logrus.Logger, func(), error) {
	log := base
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	f, err := os.Create(filepath.Join(runDir, RunLogName))
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: create run log: %w", err)
	}
	prev := log.Out
	log.SetOutput(io.MultiWriter(prev, f))
	closeLog := func() {
		log.SetOutput(prev)
		f.Close()
	}
	return log, closeLog, nil
}

func logLensDiagnostics(log *logrus.Logger, m lens.Model) {
	w, h := m.SensorSize()
	rw, rh := m.SensorResolution()
	log.WithFields(logrus.Fields{
		"lens":   m.Name(),
		"foclen": fmt.Sprintf("%.2fmm", m.FocalLength()),
		"fnum":   fmt.Sprintf("f/%.1f", m.FNumber()),
		"fov":    fmt.Sprintf("%.1fdeg", m.FOV()),
		"sensor": fmt.Sprintf("%.2fx%.2fmm @ %dx%dpx", w, h, rw, rh),
	}).Info("lens model ready")
}

func lensSummary(m lens.Model) string {
	return fmt.Sprintf("%s (f=%.2fmm, f/%.1f, fov=%.1fdeg)",
		m.Name(), m.FocalLength(), m.FNumber(), m.FOV())
}
