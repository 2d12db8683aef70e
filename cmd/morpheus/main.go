package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/menta2k/morpheus"
	"github.com/menta2k/morpheus/internal/config"
	"github.com/menta2k/morpheus/internal/logging"
	"github.com/menta2k/morpheus/internal/utils"
	"github.com/menta2k/morpheus/pkg/camera"
	"github.com/menta2k/morpheus/pkg/facecheck"
	"github.com/menta2k/morpheus/pkg/workflow"
)

const (
	missingKeyMessage = "Missing " + config.EnvPrefix + "_API_KEY environment variable (or api_key in the config file)"
	authFailedMessage = "Failed to authenticate. Check your API key."
)

func main() {
	var cfgPath, cameraURL, presetsDir, outDir, logLevel, logFile string
	var autoConnect, save, debug bool

	flag.StringVar(&cfgPath, "config", "", "config file (default "+config.GetConfigPath()+" if present)")
	flag.StringVar(&cameraURL, "camera", "", "MJPEG camera stream URL (overrides camera.url)")
	flag.StringVar(&presetsDir, "presets", "", "directory of preset reference images, appended to the configured presets")
	flag.StringVar(&outDir, "out", "", "output directory for saved stills (overrides output_dir)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error")
	flag.StringVar(&logFile, "log-file", "", "rotating log file (logs go to stderr when empty)")
	flag.BoolVar(&autoConnect, "connect", false, "connect to the session at startup")
	flag.BoolVar(&save, "save", false, "save every applied reference still to the output directory")
	flag.BoolVar(&debug, "debug", false, "save a cover-fit debug overlay for every capture")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, config.ErrMissingAPIKey) {
		fmt.Fprintln(os.Stderr, missingKeyMessage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
	if cameraURL != "" {
		cfg.Camera.URL = cameraURL
	}
	if outDir != "" {
		cfg.OutputDir = outDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := morpheus.NewSession(ctx, morpheus.SessionOptions{
		APIKey:         cfg.APIKey,
		CoordinatorURL: cfg.CoordinatorURL,
		ModelName:      cfg.ModelName,
		Logger:         logger.Named("session"),
	})
	if err != nil {
		logger.Errorw("failed to fetch session token", "error", err)
		fmt.Fprintln(os.Stderr, authFailedMessage)
		os.Exit(1)
	}
	defer session.Disconnect(context.Background())

	presets := cfg.Presets
	if presetsDir != "" {
		extra, err := utils.PresetsFromDir(presetsDir)
		if err != nil {
			log.Fatal(err)
		}
		presets = append(presets, extra...)
	}

	m := morpheus.NewWithConfig(workflow.Config{
		Width:   cfg.Capture.Width,
		Height:  cfg.Capture.Height,
		Quality: cfg.Capture.Quality,
		Presets: presets,
	}, session)

	wf := m.Workflow()
	wf.SetLogger(logger.Named("workflow"))

	if cfg.FaceCascade != "" {
		detector, err := facecheck.Load(cfg.FaceCascade)
		if err != nil {
			logger.Warnw("face check disabled", "error", err)
		} else {
			wf.SetFaceCounter(detector)
		}
	}

	var cam *camera.MJPEG
	if cfg.Camera.URL != "" {
		cam = camera.NewMJPEG(camera.Config{
			URL:    cfg.Camera.URL,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
		}, logger.Named("camera"))
		if err := cam.Open(ctx); err != nil {
			logger.Warnw("camera unavailable, live capture disabled", "error", err)
		}
		defer cam.Close()
		wf.SetGrabber(cam)
	}

	a := newApp(m, os.Stdout, logger)
	a.camera = cam
	a.outDir = cfg.OutputDir
	a.save = save
	a.debug = debug

	if autoConnect {
		if err := session.Connect(ctx); err != nil {
			logger.Errorw("connect failed", "error", err)
		}
	}

	if err := a.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("exiting", "error", err)
		os.Exit(1)
	}
}
