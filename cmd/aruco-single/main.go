// aruco-single: detects ArUco markers in camera images and publishes their
// poses in a reference frame.
//
// Cameras push images to ws://host/ws/camera/<id>; consumers subscribe to
// ws://host/ws/markers, /ws/tf, /ws/visualization_markers, /ws/result and /ws/debug.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-fiducial/internal/config"
	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/aruco/cvdetect"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/metrics"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/recorder"
	"github.com/teslashibe/go-fiducial/pkg/tf"
	"github.com/teslashibe/go-fiducial/pkg/web"
)

var version = "0.1.0"

var (
	configPath  = flag.String("config", "", "YAML or JSON config file")
	listen      = flag.String("listen", config.DefaultListen, "HTTP listen address")
	reference   = flag.String("reference-frame", "", "frame marker poses are expressed in (default: camera frame)")
	markerSize  = flag.Float64("marker-size", config.DefaultMarkerSize, "marker side length in metres")
	rectified   = flag.Bool("image-is-rectified", true, "images are rectified; use P instead of K and D")
	refinement  = flag.String("corner-refinement", "LINES", "corner refinement: NONE, LINES, HARRIS or SUBPIX")
	dictionary  = flag.String("dictionary", "ARUCO_ORIGINAL", "marker dictionary")
	cameraInfo  = flag.String("camera-info", "", "calibration YAML applied at startup")
	cameraFrame = flag.String("camera-frame", "", "frame id for -camera-info")
	record      = flag.String("record", "", "SQLite file for pose history")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
	debug       = flag.Bool("debug", false, "log every HTTP request")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.Init(cfg.LogLevel)
	if err := run(cfg); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and explicit flags.
func loadConfig() (config.Node, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "reference-frame":
			cfg.ReferenceFrame = *reference
		case "marker-size":
			cfg.MarkerSize = *markerSize
		case "image-is-rectified":
			cfg.ImageIsRectified = *rectified
		case "corner-refinement":
			cfg.CornerRefinement = *refinement
		case "dictionary":
			cfg.Dictionary = *dictionary
		case "camera-info":
			cfg.CameraInfoFile = *cameraInfo
		case "camera-frame":
			cfg.CameraInfoFrame = *cameraFrame
		case "record":
			cfg.RecordPath = *record
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, cfg.Validate()
}

func run(cfg config.Node) error {
	logger := log.Component("aruco-single")
	logger.Info("starting", "version", version,
		"marker_size", cfg.MarkerSize,
		"reference_frame", cfg.ReferenceFrame,
		"image_is_rectified", cfg.ImageIsRectified,
		"corner_refinement", cfg.Refinement().String())

	detector, err := cvdetect.New(cvdetect.Config{
		Dictionary:         cfg.Dictionary,
		Refinement:         cfg.Refinement(),
		ThresholdBlockSize: cvdetect.DefaultConfig().ThresholdBlockSize,
		ThresholdC:         cvdetect.DefaultConfig().ThresholdC,
	}, log.Component("detector"))
	if err != nil {
		return err
	}
	defer detector.Close()

	buffer := tf.NewBuffer(cfg.TF.CacheDuration)

	server, err := web.NewServer(web.Options{
		Addr:      cfg.Listen,
		Buffer:    buffer,
		StaticDir: cfg.StaticDir,
		Debug:     *debug,
		Logger:    log.Component("web"),
	})
	if err != nil {
		return err
	}

	var sink pipeline.Sink = server
	if cfg.RecordPath != "" {
		store, err := recorder.NewStore(cfg.RecordPath)
		if err != nil {
			return err
		}
		defer store.Close()
		store.RegisterAPIRoutes(server.App().Group("/api"))
		sink = recorder.NewSink(server, store, log.Component("recorder"))
		logger.Info("recording poses", "path", cfg.RecordPath, "session", store.SessionID())
	}

	p, err := pipeline.New(pipeline.Config{
		ReferenceFrame:        cfg.ReferenceFrame,
		MarkerSize:            cfg.MarkerSize,
		MarkerFramePrefix:     cfg.MarkerFrame,
		VisualizationLifetime: pipeline.DefaultConfig().VisualizationLifetime,
	}, pipeline.Deps{
		Camera:   camera.NewManager(cfg.ImageIsRectified),
		Resolver: tf.NewResolver(buffer, cfg.TF.Resolver()),
		Detector: detector,
		Sink:     sink,
		Metrics:  metrics.New(),
		Logger:   log.Component("pipeline"),
	})
	if err != nil {
		return err
	}

	if cfg.CameraInfoFile != "" {
		info, err := camera.LoadCalibration(cfg.CameraInfoFile, cfg.CameraInfoFrame)
		if err != nil {
			return err
		}
		state := p.ApplyCameraInfo(info)
		logger.Info("camera info loaded", "file", cfg.CameraInfoFile, "valid", state.Parameters.Valid())
	}

	runner := pipeline.NewRunner(p, cfg.QueueDepth)
	runner.OnResult = func(ev pipeline.ImageEvent, res pipeline.EventResult) {
		logger.Debug("image processed",
			"frame", ev.FrameID,
			"detected", res.Detected,
			"published", res.Published,
			"degraded", res.Degraded,
			"duration", res.Duration)
	}

	server.ConnectPipeline(p, runner)
	server.ConfigFunc = func() any { return cfg }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runner stopped", "error", err)
		}
	}()

	logger.Info("ready",
		"ingest", "ws://"+cfg.Listen+"/ws/camera/<id>",
		"markers", "ws://"+cfg.Listen+"/ws/markers")

	err = server.Run(ctx)
	logger.Info("shut down", "stats", p.Stats())
	return err
}
