package workflow

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/morpheus/pkg/capture"
	"github.com/menta2k/morpheus/pkg/geometry"
	"github.com/menta2k/morpheus/pkg/processing"
	"github.com/menta2k/morpheus/pkg/state"
	"github.com/menta2k/morpheus/pkg/types"
)

type sentCommand struct {
	name    string
	payload map[string]any
}

// fakeSession records commands. When gate is set every command blocks until
// a value is received from it.
type fakeSession struct {
	status *state.Value[types.Status]

	mu     sync.Mutex
	sent   []sentCommand
	failOn map[string]error
	gate   chan struct{}
	inCmd  chan string
}

func newFakeSession(s types.Status) *fakeSession {
	return &fakeSession{
		status: state.New(s),
		failOn: map[string]error{},
		inCmd:  make(chan string, 16),
	}
}

func (f *fakeSession) Status() types.Status                 { return f.status.Load() }
func (f *fakeSession) Watch() (<-chan types.Status, func()) { return f.status.Subscribe() }
func (f *fakeSession) Connect(context.Context) error        { f.status.Store(types.StatusReady); return nil }
func (f *fakeSession) Disconnect(context.Context) error {
	f.status.Store(types.StatusDisconnected)
	return nil
}
func (f *fakeSession) Stats() (types.Stats, bool) { return types.Stats{}, false }

func (f *fakeSession) SendCommand(ctx context.Context, name string, payload map[string]any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{name, payload})
	gate := f.gate
	err := f.failOn[name]
	f.mu.Unlock()

	f.inCmd <- name
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSession) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.sent))
	for i, c := range f.sent {
		names[i] = c.name
	}
	return names
}

type staticGrabber struct{ img image.Image }

func (g staticGrabber) Frame() (image.Image, error) { return g.img, nil }

type countFaces int

func (c countFaces) Faces(image.Image) int { return int(c) }

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	return img
}

func newTestWorkflow(t *testing.T, s *fakeSession) *Workflow {
	t.Helper()
	cfg := DefaultConfig()
	w := New(cfg, s, processing.NewProcessor())
	w.SetGrabber(staticGrabber{testFrame(1280, 720)})
	return w
}

func TestCaptureLiveSendsCommandsInOrder(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)

	require.NoError(t, w.CaptureLive(context.Background()))

	assert.Equal(t, []string{types.CommandSetReferenceImage, types.CommandReset}, s.commands())
	uri, ok := s.sent[0].payload["image_b64"].(string)
	require.True(t, ok)
	assert.Contains(t, uri, processing.JPEGDataURIPrefix)
	assert.Empty(t, s.sent[1].payload)

	v := w.Snapshot()
	assert.Equal(t, types.ModeTransformed, v.Mode)
	assert.False(t, v.Capturing)
	require.NotNil(t, v.Reference)
	assert.Equal(t, uri, v.Reference.DataURI)
	assert.Equal(t, 640, v.Reference.Width)
	assert.Equal(t, 360, v.Reference.Height)
	assert.Equal(t, types.TrackMainVideo, v.Track())
	assert.Equal(t, "Transform Active", v.Label())
}

func TestCaptureRejectedWhenNotReady(t *testing.T) {
	for _, st := range []types.Status{types.StatusDisconnected, types.StatusConnecting, types.StatusWaiting} {
		s := newFakeSession(st)
		w := newTestWorkflow(t, s)

		err := w.CaptureLive(context.Background())
		assert.ErrorIs(t, err, ErrNotReady, st)
		assert.Empty(t, s.commands())
		assert.Equal(t, types.ModeOriginal, w.Snapshot().Mode)
	}
}

func TestSingleFlight(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	w := newTestWorkflow(t, s)

	done := make(chan error, 1)
	go func() { done <- w.CaptureLive(context.Background()) }()

	assert.Equal(t, types.CommandSetReferenceImage, <-s.inCmd)
	assert.True(t, w.Snapshot().Capturing)
	assert.False(t, w.Snapshot().CanCapture())

	assert.ErrorIs(t, w.CaptureLive(context.Background()), ErrBusy)
	assert.ErrorIs(t, w.CapturePreset(context.Background(), 0), ErrUnknownPreset)

	s.gate <- struct{}{}
	assert.Equal(t, types.CommandReset, <-s.inCmd)
	s.gate <- struct{}{}
	require.NoError(t, <-done)

	assert.Equal(t, []string{types.CommandSetReferenceImage, types.CommandReset}, s.commands())
	assert.Equal(t, types.ModeTransformed, w.Snapshot().Mode)
}

func TestCommandFailureKeepsMode(t *testing.T) {
	for _, failing := range []string{types.CommandSetReferenceImage, types.CommandReset} {
		t.Run(failing, func(t *testing.T) {
			s := newFakeSession(types.StatusReady)
			boom := errors.New("boom")
			s.failOn[failing] = boom
			w := newTestWorkflow(t, s)

			var sunk []error
			w.SetErrorSink(func(err error) { sunk = append(sunk, err) })

			err := w.CaptureLive(context.Background())
			assert.ErrorIs(t, err, ErrCommand)
			assert.ErrorIs(t, err, boom)
			require.Len(t, sunk, 1)

			v := w.Snapshot()
			assert.Equal(t, types.ModeOriginal, v.Mode)
			assert.Nil(t, v.Reference)
			assert.False(t, v.Capturing)

			if failing == types.CommandSetReferenceImage {
				assert.Equal(t, []string{types.CommandSetReferenceImage}, s.commands())
			}

			// Guard released: a retry goes through once the session recovers.
			delete(s.failOn, failing)
			require.NoError(t, w.CaptureLive(context.Background()))
		})
	}
}

func TestCaptureLiveWithoutFrame(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := New(DefaultConfig(), s, processing.NewProcessor())

	err := w.CaptureLive(context.Background())
	assert.ErrorIs(t, err, ErrAcquire)
	assert.Empty(t, s.commands())
	assert.False(t, w.Snapshot().Capturing)
}

func TestCaptureUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testFrame(1000, 1000)))
	require.NoError(t, f.Close())

	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)

	require.NoError(t, w.CaptureUpload(context.Background(), path))
	assert.Equal(t, "upload:"+path, w.Snapshot().Reference.Source)
	assert.Equal(t, NoPreset, w.Snapshot().SelectedPreset)
}

func TestCaptureUploadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a jpeg"), 0o644))

	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)

	err := w.CaptureUpload(context.Background(), path)
	assert.ErrorIs(t, err, ErrAcquire)
	assert.Empty(t, s.commands())
	assert.False(t, w.Snapshot().Capturing)
}

func TestCapturePreset(t *testing.T) {
	dir := t.TempDir()
	var presets []types.Preset
	for _, name := range []string{"light", "joel"} {
		path := filepath.Join(dir, name+".png")
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, testFrame(512, 768)))
		require.NoError(t, f.Close())
		presets = append(presets, types.Preset{Path: path, Label: name})
	}

	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	cfg := DefaultConfig()
	cfg.Presets = presets
	w := New(cfg, s, processing.NewProcessor())

	done := make(chan error, 1)
	go func() { done <- w.CapturePreset(context.Background(), 1) }()

	<-s.inCmd
	assert.Equal(t, 1, w.Snapshot().LoadingPreset)
	assert.ErrorIs(t, w.CapturePreset(context.Background(), 0), ErrBusy)

	s.gate <- struct{}{}
	<-s.inCmd
	s.gate <- struct{}{}
	require.NoError(t, <-done)

	v := w.Snapshot()
	assert.Equal(t, NoPreset, v.LoadingPreset)
	assert.Equal(t, 1, v.SelectedPreset)
	assert.Equal(t, types.ModeTransformed, v.Mode)

	assert.ErrorIs(t, w.CapturePreset(context.Background(), 5), ErrUnknownPreset)
	assert.ErrorIs(t, w.CapturePreset(context.Background(), -1), ErrUnknownPreset)
}

func TestResetIdempotent(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)
	require.NoError(t, w.CaptureLive(context.Background()))

	require.NoError(t, w.Reset(context.Background()))
	once := w.Snapshot()
	require.NoError(t, w.Reset(context.Background()))
	twice := w.Snapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, types.ModeOriginal, twice.Mode)
	assert.Nil(t, twice.Reference)
	assert.Equal(t, types.TrackWebcam, twice.Track())
	assert.Equal(t, "Original Feed", twice.Label())
}

func TestResetCommandFailureStillResets(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)
	require.NoError(t, w.CaptureLive(context.Background()))

	s.failOn[types.CommandReset] = errors.New("gone")
	err := w.Reset(context.Background())
	assert.ErrorIs(t, err, ErrCommand)
	assert.Equal(t, types.ModeOriginal, w.Snapshot().Mode)
	assert.Nil(t, w.Snapshot().Reference)
}

func TestDisconnectResetsMode(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, w.CaptureLive(context.Background()))
	require.Equal(t, types.ModeTransformed, w.Snapshot().Mode)

	require.NoError(t, s.Disconnect(context.Background()))
	require.Eventually(t, func() bool {
		v := w.Snapshot()
		return v.Mode == types.ModeOriginal && v.Reference == nil && v.Status == types.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectDuringCaptureDiscardsResult(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	w := newTestWorkflow(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	done := make(chan error, 1)
	go func() { done <- w.CaptureLive(context.Background()) }()
	<-s.inCmd

	// The session drops and comes back before the in-flight commands finish.
	require.NoError(t, s.Disconnect(context.Background()))
	require.Eventually(t, func() bool {
		return w.Snapshot().Status == types.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))

	s.gate <- struct{}{}
	<-s.inCmd
	s.gate <- struct{}{}

	assert.ErrorIs(t, <-done, ErrSuperseded)
	v := w.Snapshot()
	assert.Equal(t, types.ModeOriginal, v.Mode)
	assert.Nil(t, v.Reference)
	assert.False(t, v.Capturing)
}

func TestResetDuringCaptureDiscardsResult(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	w := newTestWorkflow(t, s)

	captured := make(chan error, 1)
	go func() { captured <- w.CaptureLive(context.Background()) }()
	assert.Equal(t, types.CommandSetReferenceImage, <-s.inCmd)

	reset := make(chan error, 1)
	go func() { reset <- w.Reset(context.Background()) }()
	// Reset has already returned to Original once its command is sent.
	assert.Equal(t, types.CommandReset, <-s.inCmd)
	assert.Equal(t, types.ModeOriginal, w.Snapshot().Mode)

	var captureErr, resetErr error
	timeout := time.After(2 * time.Second)
	for pending := 2; pending > 0; {
		select {
		case s.gate <- struct{}{}:
		case <-s.inCmd:
		case captureErr = <-captured:
			pending--
		case resetErr = <-reset:
			pending--
		case <-timeout:
			t.Fatal("capture and reset never finished")
		}
	}

	assert.ErrorIs(t, captureErr, ErrSuperseded)
	assert.NoError(t, resetErr)
	v := w.Snapshot()
	assert.Equal(t, types.ModeOriginal, v.Mode)
	assert.Nil(t, v.Reference)
	assert.False(t, v.Capturing)
	assert.Equal(t, NoPreset, v.SelectedPreset)
}

func TestInspectorSeesAcceptedCapturesOnly(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	w := newTestWorkflow(t, s)

	var mu sync.Mutex
	var crops []geometry.Rect
	var sources []string
	w.SetInspector(func(src capture.Source, img image.Image, crop geometry.Rect) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1280, img.Bounds().Dx())
		sources = append(sources, src.Describe())
		crops = append(crops, crop)
	})

	done := make(chan error, 1)
	go func() { done <- w.CaptureLive(context.Background()) }()
	<-s.inCmd

	assert.ErrorIs(t, w.CaptureLive(context.Background()), ErrBusy)

	s.gate <- struct{}{}
	<-s.inCmd
	s.gate <- struct{}{}
	require.NoError(t, <-done)

	s.status.Store(types.StatusDisconnected)
	assert.ErrorIs(t, w.CaptureLive(context.Background()), ErrNotReady)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"live"}, sources)
	require.Len(t, crops, 1)
	assert.Equal(t, geometry.CoverFit(1280, 720, 640, 360), crops[0])
}

func TestDisconnectWithoutWatcherStillGuarded(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	s.gate = make(chan struct{})
	w := newTestWorkflow(t, s)

	done := make(chan error, 1)
	go func() { done <- w.CaptureLive(context.Background()) }()
	<-s.inCmd

	s.status.Store(types.StatusDisconnected)
	s.gate <- struct{}{}
	<-s.inCmd
	s.gate <- struct{}{}

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, types.ModeOriginal, w.Snapshot().Mode)
}

func TestFaceCounterWarningDoesNotBlock(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)
	w.SetFaceCounter(countFaces(0))

	require.NoError(t, w.CaptureLive(context.Background()))
	assert.Equal(t, types.ModeTransformed, w.Snapshot().Mode)
}

func TestSubscribeSeesTransitions(t *testing.T) {
	s := newFakeSession(types.StatusReady)
	w := newTestWorkflow(t, s)

	ch, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.CaptureLive(context.Background()))

	var sawCapturing, sawTransformed bool
	for len(ch) > 0 {
		v := <-ch
		sawCapturing = sawCapturing || v.Capturing
		sawTransformed = sawTransformed || v.Mode == types.ModeTransformed
	}
	assert.True(t, sawCapturing)
	assert.True(t, sawTransformed)
}

var _ capture.Grabber = staticGrabber{}
