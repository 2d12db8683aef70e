// Package workflow sequences reference-image capture against a
// transformation session: acquire a still, normalize it, send it as the
// reference image, reset the session, then switch the displayed track.
//
// At most one capture runs at a time. Requests that arrive while a capture
// is in flight, or while the session is not ready, are dropped rather than
// queued.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/menta2k/morpheus/pkg/capture"
	"github.com/menta2k/morpheus/pkg/client"
	"github.com/menta2k/morpheus/pkg/geometry"
	"github.com/menta2k/morpheus/pkg/state"
	"github.com/menta2k/morpheus/pkg/types"
)

var (
	// ErrBusy is returned when a capture is already in flight.
	ErrBusy = errors.New("workflow: capture already in progress")
	// ErrNotReady is returned when the session is not ready.
	ErrNotReady = errors.New("workflow: session not ready")
	// ErrAcquire wraps image acquisition failures.
	ErrAcquire = errors.New("workflow: failed to acquire image")
	// ErrEncode wraps render and encode failures.
	ErrEncode = errors.New("workflow: failed to encode still")
	// ErrCommand wraps remote command failures.
	ErrCommand = errors.New("workflow: remote command failed")
	// ErrSuperseded is returned when the session disconnected or the user
	// reset while the capture was in flight. The capture result is discarded.
	ErrSuperseded = errors.New("workflow: session changed during capture")
	// ErrUnknownPreset is returned for an out-of-range preset index.
	ErrUnknownPreset = errors.New("workflow: unknown preset")
)

// NoPreset marks the absence of a preset index in a View.
const NoPreset = -1

// Config controls the encoded still format and the offered presets.
type Config struct {
	Width   int
	Height  int
	Quality int
	Presets []types.Preset
}

// DefaultConfig returns the 640x360 JPEG quality 70 still format.
func DefaultConfig() Config {
	return Config{Width: 640, Height: 360, Quality: 70}
}

// Renderer turns a source image into an encoded still.
type Renderer interface {
	Still(img image.Image, width, height, quality int, source string) (types.EncodedStill, error)
}

// FaceCounter counts faces in an image.
type FaceCounter interface {
	Faces(img image.Image) int
}

// Inspector observes every acquired image together with the cover-fit crop
// that will be sent. It runs inside the capture, only for requests that
// passed the single-flight guard.
type Inspector func(src capture.Source, img image.Image, crop geometry.Rect)

// View is the state the user interface renders.
type View struct {
	Status    types.Status
	Mode      types.Mode
	Capturing bool
	// LoadingPreset is the index of the preset being captured, or NoPreset.
	LoadingPreset int
	// SelectedPreset is the index of the preset the current reference came
	// from, or NoPreset.
	SelectedPreset int
	Reference      *types.EncodedStill
}

// Track returns the identifier of the video track to display.
func (v View) Track() string {
	if v.Mode == types.ModeTransformed {
		return types.TrackMainVideo
	}
	return types.TrackWebcam
}

// Label returns the overlay text for the current mode.
func (v View) Label() string {
	if v.Mode == types.ModeTransformed {
		return "Transform Active"
	}
	return "Original Feed"
}

// CanCapture reports whether a capture request would be accepted.
func (v View) CanCapture() bool {
	return v.Status == types.StatusReady && !v.Capturing
}

// Workflow is the capture/transform state machine.
type Workflow struct {
	cfg      Config
	session  client.SessionClient
	renderer Renderer
	loader   capture.Loader
	grabber  capture.Grabber
	faces    FaceCounter
	inspect  Inspector
	logger   *zap.SugaredLogger
	onError  func(error)

	capturing atomic.Bool

	// mu orders mode transitions against disconnects and resets.
	mu    sync.Mutex
	epoch uint64
	view  *state.Value[View]
}

// New creates a workflow in Original mode. renderer is typically a
// *processing.Processor, which also serves as the image loader.
func New(cfg Config, session client.SessionClient, renderer Renderer) *Workflow {
	w := &Workflow{
		cfg:      cfg,
		session:  session,
		renderer: renderer,
		logger:   zap.NewNop().Sugar(),
		view: state.New(View{
			Status:         session.Status(),
			LoadingPreset:  NoPreset,
			SelectedPreset: NoPreset,
		}),
	}
	if l, ok := renderer.(capture.Loader); ok {
		w.loader = l
	}
	return w
}

// SetLogger sets the logger used for the error sink.
func (w *Workflow) SetLogger(logger *zap.SugaredLogger) {
	w.logger = logger
}

// SetGrabber sets the live video source used by CaptureLive.
func (w *Workflow) SetGrabber(g capture.Grabber) {
	w.grabber = g
}

// SetLoader overrides the image loader used for uploads and presets.
func (w *Workflow) SetLoader(l capture.Loader) {
	w.loader = l
}

// SetFaceCounter enables a face-presence warning for reference images.
func (w *Workflow) SetFaceCounter(f FaceCounter) {
	w.faces = f
}

// SetInspector registers fn to see each acquired image before it is encoded.
func (w *Workflow) SetInspector(fn Inspector) {
	w.inspect = fn
}

// SetErrorSink registers fn to receive every capture and reset failure in
// addition to the log.
func (w *Workflow) SetErrorSink(fn func(error)) {
	w.onError = fn
}

// Presets returns the configured presets.
func (w *Workflow) Presets() []types.Preset {
	return w.cfg.Presets
}

// Snapshot returns the current view.
func (w *Workflow) Snapshot() View {
	return w.view.Load()
}

// Subscribe returns a channel of view changes and a cancel func.
func (w *Workflow) Subscribe() (<-chan View, func()) {
	return w.view.Subscribe()
}

// CaptureLive captures the current frame of the live video source.
func (w *Workflow) CaptureLive(ctx context.Context) error {
	return w.Capture(ctx, capture.LiveFrame{Grabber: w.grabber})
}

// CaptureUpload captures an image file.
func (w *Workflow) CaptureUpload(ctx context.Context, path string) error {
	return w.Capture(ctx, capture.Upload{Path: path, Loader: w.loader})
}

// CapturePreset captures the preset at index idx.
func (w *Workflow) CapturePreset(ctx context.Context, idx int) error {
	if idx < 0 || idx >= len(w.cfg.Presets) {
		return fmt.Errorf("%w: %d", ErrUnknownPreset, idx)
	}
	src := capture.PresetSource{Preset: w.cfg.Presets[idx], Loader: w.loader}
	return w.run(ctx, src, idx)
}

// Capture runs one capture-and-command sequence for src. It returns ErrBusy
// or ErrNotReady without side effects when the request is dropped.
func (w *Workflow) Capture(ctx context.Context, src capture.Source) error {
	return w.run(ctx, src, NoPreset)
}

func (w *Workflow) run(ctx context.Context, src capture.Source, preset int) error {
	if w.session.Status() != types.StatusReady {
		return ErrNotReady
	}
	if !w.capturing.CompareAndSwap(false, true) {
		return ErrBusy
	}

	w.mu.Lock()
	epoch := w.epoch
	w.view.Update(func(v View) View {
		v.Capturing = true
		v.LoadingPreset = preset
		return v
	})
	w.mu.Unlock()

	defer func() {
		w.view.Update(func(v View) View {
			v.Capturing = false
			v.LoadingPreset = NoPreset
			return v
		})
		w.capturing.Store(false)
	}()

	still, err := w.sequence(ctx, src)
	if err != nil {
		w.fail("capture failed", src, err)
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.epoch != epoch || w.session.Status() != types.StatusReady {
		w.logger.Infow("discarding capture result, session changed", "source", src.Describe())
		return ErrSuperseded
	}
	w.view.Update(func(v View) View {
		v.Mode = types.ModeTransformed
		v.Reference = &still
		v.SelectedPreset = preset
		return v
	})
	w.logger.Infow("reference image applied", "source", src.Describe(), "width", still.Width, "height", still.Height)
	return nil
}

func (w *Workflow) sequence(ctx context.Context, src capture.Source) (types.EncodedStill, error) {
	img, release, err := src.Acquire(ctx)
	if err != nil {
		return types.EncodedStill{}, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	defer release()

	if w.faces != nil && w.faces.Faces(img) == 0 {
		w.logger.Warnw("no face detected in reference image", "source", src.Describe())
	}
	if w.inspect != nil {
		b := img.Bounds()
		w.inspect(src, img, geometry.CoverFit(float64(b.Dx()), float64(b.Dy()), float64(w.cfg.Width), float64(w.cfg.Height)))
	}

	still, err := w.renderer.Still(img, w.cfg.Width, w.cfg.Height, w.cfg.Quality, src.Describe())
	if err != nil {
		return types.EncodedStill{}, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	if err := w.session.SendCommand(ctx, types.CommandSetReferenceImage, map[string]any{"image_b64": still.DataURI}); err != nil {
		return types.EncodedStill{}, fmt.Errorf("%w: %s: %w", ErrCommand, types.CommandSetReferenceImage, err)
	}
	if err := w.session.SendCommand(ctx, types.CommandReset, map[string]any{}); err != nil {
		return types.EncodedStill{}, fmt.Errorf("%w: %s: %w", ErrCommand, types.CommandReset, err)
	}
	return still, nil
}

// Reset returns to Original mode and clears the reference, then asks the
// session to reset. The local state changes even if the command fails.
func (w *Workflow) Reset(ctx context.Context) error {
	w.toOriginal()

	if err := w.session.SendCommand(ctx, types.CommandReset, map[string]any{}); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrCommand, types.CommandReset, err)
		w.fail("reset failed", nil, err)
		return err
	}
	return nil
}

// Run observes session status until ctx ends. Whenever the session becomes
// disconnected the workflow is forced back to Original mode and any capture
// still in flight is discarded when it completes.
func (w *Workflow) Run(ctx context.Context) error {
	ch, cancel := w.session.Watch()
	defer cancel()

	last := w.session.Status()
	w.observe(last, last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			w.observe(last, s)
			last = s
		}
	}
}

func (w *Workflow) observe(prev, next types.Status) {
	if next == types.StatusDisconnected && prev != types.StatusDisconnected {
		w.logger.Infow("session disconnected, returning to original feed")
		w.update(true, func(v View) View {
			v.Status = next
			return original(v)
		})
		return
	}
	w.update(false, func(v View) View {
		v.Status = next
		return v
	})
}

func (w *Workflow) toOriginal() {
	w.update(true, original)
}

// update applies fn to the view. When invalidate is set, captures started
// before this call can no longer change the mode.
func (w *Workflow) update(invalidate bool, fn func(View) View) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if invalidate {
		w.epoch++
	}
	w.view.Update(fn)
}

func original(v View) View {
	v.Mode = types.ModeOriginal
	v.Reference = nil
	v.SelectedPreset = NoPreset
	return v
}

func (w *Workflow) fail(msg string, src capture.Source, err error) {
	if src != nil {
		w.logger.Errorw(msg, "source", src.Describe(), "error", err)
	} else {
		w.logger.Errorw(msg, "error", err)
	}
	if w.onError != nil {
		w.onError(err)
	}
}
