// Package camera reads a live video source and keeps its most recently
// decoded frame available for still capture.
//
// The source is an MJPEG stream served over HTTP as
// multipart/x-mixed-replace, which is what most network webcams and
// `ffmpeg -f v4l2 -i /dev/video0 -f mpjpeg` produce. The stream is opened
// once and shared by every reader until Close.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoFrame is returned by Frame before the first frame has been decoded.
var ErrNoFrame = errors.New("camera: no frame decoded yet")

// Config describes the capture device.
type Config struct {
	URL string
	// Requested resolution, forwarded as width/height query parameters.
	Width  int
	Height int
}

// Stats reports the state of the stream.
type Stats struct {
	FramesDecoded uint64
	DecodeErrors  uint64
	Resolution    string
	LastFrame     time.Time
	Connected     bool
}

type frame struct {
	img image.Image
	at  time.Time
}

// MJPEG is a live frame grabber for an MJPEG-over-HTTP stream.
type MJPEG struct {
	cfg    Config
	client *http.Client
	logger *zap.SugaredLogger

	latest    atomic.Pointer[frame]
	decoded   atomic.Uint64
	errs      atomic.Uint64
	connected atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMJPEG creates a grabber. Nothing is opened until Open.
func NewMJPEG(cfg Config, logger *zap.SugaredLogger) *MJPEG {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MJPEG{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Open connects to the stream and starts decoding frames in the background.
// It returns once the response headers are received.
func (m *MJPEG) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	target, err := m.streamURL()
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := m.client.Do(req)
		ch <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			cancel()
			return fmt.Errorf("failed to open camera stream: %w", r.err)
		}
		resp = r.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("failed to open camera stream: HTTP %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("camera stream is not multipart/x-mixed-replace (Content-Type: %s)", resp.Header.Get("Content-Type"))
	}

	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.connected.Store(true)

	go m.readLoop(resp.Body, params["boundary"], cancel, done)
	return nil
}

func (m *MJPEG) streamURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid camera URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported camera URL scheme: %q", u.Scheme)
	}
	if m.cfg.Width > 0 && m.cfg.Height > 0 {
		q := u.Query()
		q.Set("width", strconv.Itoa(m.cfg.Width))
		q.Set("height", strconv.Itoa(m.cfg.Height))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (m *MJPEG) readLoop(body io.ReadCloser, boundary string, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer m.release(cancel, done)
	defer body.Close()

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				m.logger.Warnw("camera stream ended", "error", err)
			}
			return
		}

		// NextPart drains whatever the decoder left unread.
		img, err := jpeg.Decode(part)
		if err != nil {
			m.errs.Add(1)
			m.logger.Debugw("skipping undecodable camera frame", "error", err)
			continue
		}

		m.latest.Store(&frame{img: img, at: time.Now()})
		if m.decoded.Add(1) == 1 {
			b := img.Bounds()
			m.logger.Infow("camera streaming", "width", b.Dx(), "height", b.Dy())
		}
	}
}

// release runs when a stream ends. A frame from a dead stream is never
// served, and Open may reconnect afterwards.
func (m *MJPEG) release(cancel context.CancelFunc, done chan struct{}) {
	m.connected.Store(false)
	m.mu.Lock()
	if m.done == done {
		m.cancel = nil
		m.done = nil
		m.latest.Store(nil)
	}
	m.mu.Unlock()
	cancel()
}

// Frame returns the most recently decoded frame.
func (m *MJPEG) Frame() (image.Image, error) {
	f := m.latest.Load()
	if f == nil || f.img.Bounds().Empty() {
		return nil, ErrNoFrame
	}
	return f.img, nil
}

// Stats returns a snapshot of stream counters.
func (m *MJPEG) Stats() Stats {
	s := Stats{
		FramesDecoded: m.decoded.Load(),
		DecodeErrors:  m.errs.Load(),
		Connected:     m.connected.Load(),
	}
	if f := m.latest.Load(); f != nil {
		b := f.img.Bounds()
		s.Resolution = fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
		s.LastFrame = f.at
	}
	return s
}

// Close stops the stream and waits for the reader to exit. Safe to call
// more than once.
func (m *MJPEG) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		return fmt.Errorf("camera: timeout waiting for stream reader to stop")
	}
	m.latest.Store(nil)
	return nil
}
