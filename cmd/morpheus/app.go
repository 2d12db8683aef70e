package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/morpheus"
	"github.com/menta2k/morpheus/internal/utils"
	"github.com/menta2k/morpheus/pkg/camera"
	"github.com/menta2k/morpheus/pkg/capture"
	"github.com/menta2k/morpheus/pkg/geometry"
	"github.com/menta2k/morpheus/pkg/stats"
	"github.com/menta2k/morpheus/pkg/types"
	"github.com/menta2k/morpheus/pkg/workflow"
)

const helpText = `commands:
  connect            connect to the session
  disconnect         disconnect from the session
  clone              use the current camera frame as the reference
  upload <path>      use an image file as the reference
  presets            list presets
  preset <n>         use preset n as the reference
  reset              return to the original feed
  status             show session, mode and camera state
  stats              show transport statistics
  save               save the current reference still
  help               show this help
  quit               exit`

var errQuit = errors.New("quit")

type app struct {
	m      *morpheus.Morpheus
	camera *camera.MJPEG
	logger *zap.SugaredLogger

	outDir string
	save   bool
	debug  bool

	mu  sync.Mutex
	out io.Writer
}

func newApp(m *morpheus.Morpheus, out io.Writer, logger *zap.SugaredLogger) *app {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &app{m: m, out: out, logger: logger, outDir: "./output"}
	m.Workflow().SetErrorSink(func(err error) {
		a.printf("error: %v", err)
	})
	m.Workflow().SetInspector(a.overlay)
	return a
}

func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

// run drives the workflow, prints view changes and executes commands read
// from in until quit, end of input or ctx cancellation.
func (a *app) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.m.Workflow().Run(gctx)
	})

	g.Go(func() error {
		a.watch(gctx)
		return nil
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printf("%s\ntype help for commands", a.describe(a.m.Workflow().Snapshot()))

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := a.exec(gctx, g, line); errors.Is(err, errQuit) {
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) watch(ctx context.Context) {
	ch, unsubscribe := a.m.Workflow().Subscribe()
	defer unsubscribe()

	last := a.m.Workflow().Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if v.Status != last.Status || v.Mode != last.Mode {
				a.printf("%s", a.describe(v))
			}
			last = v
		}
	}
}

func (a *app) describe(v workflow.View) string {
	return fmt.Sprintf("[%s] %s (%s)", v.Status.Label(), v.Label(), v.Track())
}

// exec runs one command line. Captures run on g so the prompt stays
// responsive and overlapping requests reach the single-flight guard.
func (a *app) exec(ctx context.Context, g *errgroup.Group, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	wf := a.m.Workflow()

	switch cmd {
	case "help", "?":
		a.printf("%s", helpText)
	case "quit", "exit", "q":
		return errQuit
	case "connect":
		if err := a.m.Session().Connect(ctx); err != nil {
			a.printf("connect failed: %v", err)
		}
	case "disconnect":
		if err := a.m.Session().Disconnect(ctx); err != nil {
			a.printf("disconnect failed: %v", err)
		}
	case "clone", "capture":
		a.capture(ctx, g, capture.LiveFrame{Grabber: a.grabber()}, workflow.NoPreset)
	case "upload":
		if len(args) != 1 {
			a.printf("usage: upload <path>")
			return nil
		}
		path := args[0]
		if !utils.IsImageFile(path) || !utils.FileExists(path) {
			a.printf("not an image file: %s", path)
			return nil
		}
		a.capture(ctx, g, capture.Upload{Path: path, Loader: a.m.Processor()}, workflow.NoPreset)
	case "presets":
		a.listPresets()
	case "preset":
		if len(args) != 1 {
			a.printf("usage: preset <n>")
			return nil
		}
		n, err := strconv.Atoi(args[0])
		presets := wf.Presets()
		if err != nil || n < 1 || n > len(presets) {
			a.printf("unknown preset %q (1-%d)", args[0], len(presets))
			return nil
		}
		src := capture.PresetSource{Preset: presets[n-1], Loader: a.m.Processor()}
		a.capture(ctx, g, src, n-1)
	case "reset":
		// The workflow error sink reports failures.
		_ = wf.Reset(ctx)
	case "status":
		a.printStatus()
	case "stats":
		s, ok := a.m.Session().Stats()
		if !ok {
			a.printf("no statistics yet")
			return nil
		}
		a.printf("%s", stats.String(stats.Entries(s)))
	case "save":
		ref := wf.Snapshot().Reference
		if ref == nil {
			a.printf("no reference image applied")
			return nil
		}
		a.saveStill(*ref)
	default:
		a.printf("unknown command %q, type help", cmd)
	}
	return nil
}

func (a *app) grabber() capture.Grabber {
	if a.camera == nil {
		return nil
	}
	return a.camera
}

func (a *app) capture(ctx context.Context, g *errgroup.Group, src capture.Source, preset int) {
	wf := a.m.Workflow()
	if !wf.Snapshot().CanCapture() {
		a.printf("capture ignored: %s", a.describe(wf.Snapshot()))
		return
	}
	g.Go(func() error {
		var err error
		if preset != workflow.NoPreset {
			err = wf.CapturePreset(ctx, preset)
		} else {
			err = wf.Capture(ctx, src)
		}
		switch {
		case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrNotReady):
			a.printf("capture ignored: %v", err)
		case errors.Is(err, workflow.ErrSuperseded):
			a.printf("capture discarded: session changed")
		case err != nil:
			// Reported by the error sink.
		default:
			a.printf("reference applied from %s", src.Describe())
			if ref := wf.Snapshot().Reference; a.save && ref != nil {
				a.saveStill(*ref)
			}
		}
		return nil
	})
}

// overlay saves the cover-fit debug overlay of an image the workflow is
// about to send.
func (a *app) overlay(src capture.Source, img image.Image, crop geometry.Rect) {
	if !a.debug {
		return
	}
	path, err := a.m.SaveDebugOverlay(img, crop, a.outDir, src.Describe())
	if err != nil {
		a.logger.Warnw("debug overlay failed", "error", err)
		return
	}
	a.printf("wrote %s", path)
}

func (a *app) saveStill(still types.EncodedStill) {
	path, err := a.m.SaveStill(still, a.outDir)
	if err != nil {
		a.printf("save failed: %v", err)
		return
	}
	a.printf("wrote %s", path)
}

func (a *app) listPresets() {
	presets := a.m.Workflow().Presets()
	if len(presets) == 0 {
		a.printf("no presets configured")
		return
	}
	v := a.m.Workflow().Snapshot()
	for i, p := range presets {
		mark := " "
		switch i {
		case v.LoadingPreset:
			mark = "~"
		case v.SelectedPreset:
			mark = "*"
		}
		label := p.Label
		if label == "" {
			label = p.Path
		}
		a.printf("%s %d. %s", mark, i+1, label)
	}
}

func (a *app) printStatus() {
	v := a.m.Workflow().Snapshot()
	a.printf("%s", a.describe(v))
	if v.Capturing {
		a.printf("capture in progress")
	}
	if v.Reference != nil {
		a.printf("reference: %s at %s", v.Reference.Source, v.Reference.CapturedAt.Format("15:04:05"))
	}
	if a.camera == nil {
		a.printf("camera: not configured")
		return
	}
	cs := a.camera.Stats()
	if !cs.Connected {
		a.printf("camera: disconnected")
		return
	}
	a.printf("camera: %s, %d frames, %d decode errors", cs.Resolution, cs.FramesDecoded, cs.DecodeErrors)
}
