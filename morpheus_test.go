package morpheus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/morpheus/pkg/state"
	"github.com/menta2k/morpheus/pkg/types"
	"github.com/menta2k/morpheus/pkg/workflow"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

type idleSession struct {
	status *state.Value[types.Status]
}

func (s idleSession) Status() types.Status                 { return s.status.Load() }
func (s idleSession) Watch() (<-chan types.Status, func()) { return s.status.Subscribe() }
func (s idleSession) Connect(context.Context) error        { return nil }
func (s idleSession) Disconnect(context.Context) error     { return nil }
func (s idleSession) Stats() (types.Stats, bool)           { return types.Stats{}, false }
func (s idleSession) SendCommand(context.Context, string, map[string]any) error {
	return nil
}

func newIdle() idleSession {
	return idleSession{status: state.New(types.StatusDisconnected)}
}

func TestNew(t *testing.T) {
	m := New(newIdle())
	require.NotNil(t, m)
	assert.NotNil(t, m.Workflow())
	assert.NotNil(t, m.Processor())
	assert.NotNil(t, m.Session())

	v := m.Workflow().Snapshot()
	assert.Equal(t, types.ModeOriginal, v.Mode)
	assert.Equal(t, types.TrackWebcam, v.Track())
	assert.False(t, v.CanCapture())
}

func TestCoverFit(t *testing.T) {
	m := New(newIdle())
	r := m.CoverFit(createTestImage(1000, 1000))
	assert.InDelta(t, 0, r.X, 1e-9)
	assert.InDelta(t, 218.75, r.Y, 1e-9)
	assert.InDelta(t, 1000, r.W, 1e-9)
	assert.InDelta(t, 562.5, r.H, 1e-9)
}

func TestEncodeStill(t *testing.T) {
	m := New(newIdle())
	still, err := m.EncodeStill(createTestImage(1280, 960), "upload:face.jpg")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(still.DataURI, "data:image/jpeg;base64,"))
	assert.Equal(t, 640, still.Width)
	assert.Equal(t, 360, still.Height)
	assert.Equal(t, "upload:face.jpg", still.Source)

	img, err := m.Processor().DecodeDataURI(still.DataURI)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 360), img.Bounds().Size())
}

func TestNewWithConfig(t *testing.T) {
	cfg := workflow.Config{Width: 320, Height: 320, Quality: 50,
		Presets: []types.Preset{{Path: "a.jpg", Label: "A"}}}
	m := NewWithConfig(cfg, newIdle())

	still, err := m.EncodeStill(createTestImage(800, 600), "live")
	require.NoError(t, err)
	assert.Equal(t, 320, still.Width)
	assert.Equal(t, 320, still.Height)
	assert.Equal(t, cfg.Presets, m.Workflow().Presets())
}

func TestSaveStill(t *testing.T) {
	m := New(newIdle())
	still, err := m.EncodeStill(createTestImage(640, 480), "preset:ada.jpg")
	require.NoError(t, err)
	still.CapturedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	dir := filepath.Join(t.TempDir(), "stills")
	path, err := m.SaveStill(still, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260102-030405_preset_ada.jpg.jpg"), path)

	saved, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 360), saved.Bounds().Size())

	// The file holds the bytes that were sent, not a re-encode.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(still.DataURI, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	assert.Equal(t, want, data)

	_, err = m.SaveStill(types.EncodedStill{DataURI: "garbage"}, dir)
	assert.Error(t, err)
}

func TestSaveDebugOverlay(t *testing.T) {
	m := New(newIdle())
	img := createTestImage(400, 400)
	path, err := m.SaveDebugOverlay(img, m.CoverFit(img), t.TempDir(), "live")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "live_overlay.png"))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewSession(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Reactor-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"jwt": token})
	}))
	defer srv.Close()

	session, err := NewSession(context.Background(), SessionOptions{APIKey: "key", CoordinatorURL: srv.URL, ModelName: "morpheus"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisconnected, session.Status())

	_, err = NewSession(context.Background(), SessionOptions{APIKey: "wrong", CoordinatorURL: srv.URL})
	assert.Error(t, err)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
