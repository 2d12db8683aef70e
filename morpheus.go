// Package morpheus swaps a live webcam identity for a reference image by
// driving a remote real-time video transformation session.
//
// A capture takes a still from the live camera, an uploaded file or a
// bundled preset, cover-fits it into a 640x360 frame, encodes it as a JPEG
// data URI and sends it to the session as the reference image followed by
// a reset. Once both commands succeed the displayed track switches from
// the original webcam feed to the transformed output.
//
// Basic usage:
//
//	token, err := reactor.FetchToken(ctx, apiKey, "https://api.reactor.inc")
//	if err != nil {
//		log.Fatal(err)
//	}
//	session := reactor.New(reactor.Config{
//		CoordinatorURL: "https://api.reactor.inc",
//		ModelName:      "morpheus",
//		Token:          token,
//	}, logger)
//
//	m := morpheus.New(session)
//	go m.Workflow().Run(ctx)
//
//	if err := session.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	// wait for session.Status() == types.StatusReady
//	if err := m.Workflow().CaptureUpload(ctx, "face.jpg"); err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(m.Workflow().Snapshot().Track()) // main_video
//
// The package consists of these components:
//
//  1. Geometry (pkg/geometry): the cover-fit crop rectangle
//  2. Processing (pkg/processing): loading, rendering and encoding stills
//  3. Workflow (pkg/workflow): the capture/transform state machine
//  4. Reactor (pkg/reactor): the WebSocket session client
package morpheus

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/menta2k/morpheus/internal/utils"
	"github.com/menta2k/morpheus/pkg/client"
	"github.com/menta2k/morpheus/pkg/geometry"
	"github.com/menta2k/morpheus/pkg/processing"
	"github.com/menta2k/morpheus/pkg/reactor"
	"github.com/menta2k/morpheus/pkg/types"
	"github.com/menta2k/morpheus/pkg/workflow"
)

// Version of the morpheus library
const Version = "1.0.0"

// Morpheus wires a processor and a workflow to one session.
type Morpheus struct {
	cfg       workflow.Config
	processor *processing.Processor
	session   client.SessionClient
	workflow  *workflow.Workflow
}

// New creates a Morpheus with the default 640x360 quality 70 still format
func New(session client.SessionClient) *Morpheus {
	return NewWithConfig(workflow.DefaultConfig(), session)
}

// NewWithConfig creates a Morpheus with a custom still format and presets
func NewWithConfig(cfg workflow.Config, session client.SessionClient) *Morpheus {
	processor := processing.NewProcessor()
	return &Morpheus{
		cfg:       cfg,
		processor: processor,
		session:   session,
		workflow:  workflow.New(cfg, session, processor),
	}
}

// SessionOptions describes how to reach the transformation service.
type SessionOptions struct {
	APIKey         string
	CoordinatorURL string
	ModelName      string
	Logger         *zap.SugaredLogger
}

// NewSession exchanges the API key for a session token and returns a
// disconnected session client.
func NewSession(ctx context.Context, opts SessionOptions) (*reactor.Client, error) {
	token, err := reactor.FetchToken(ctx, opts.APIKey, opts.CoordinatorURL)
	if err != nil {
		return nil, err
	}
	return reactor.New(reactor.Config{
		CoordinatorURL: opts.CoordinatorURL,
		ModelName:      opts.ModelName,
		Token:          token,
	}, opts.Logger), nil
}

// Workflow returns the capture/transform state machine.
func (m *Morpheus) Workflow() *workflow.Workflow {
	return m.workflow
}

// Processor returns the image processor.
func (m *Morpheus) Processor() *processing.Processor {
	return m.processor
}

// Session returns the session client.
func (m *Morpheus) Session() client.SessionClient {
	return m.session
}

// CoverFit returns the centered crop of img matching the still aspect ratio
func (m *Morpheus) CoverFit(img image.Image) geometry.Rect {
	b := img.Bounds()
	return geometry.CoverFit(float64(b.Dx()), float64(b.Dy()), float64(m.cfg.Width), float64(m.cfg.Height))
}

// EncodeStill renders img in the configured still format without sending it
func (m *Morpheus) EncodeStill(img image.Image, source string) (types.EncodedStill, error) {
	return m.processor.Still(img, m.cfg.Width, m.cfg.Height, m.cfg.Quality, source)
}

// SaveStill writes the JPEG bytes of still, exactly as sent, under
// outputDir and returns its path
func (m *Morpheus) SaveStill(still types.EncodedStill, outputDir string) (string, error) {
	raw, err := processing.DataURIBytes(still.DataURI)
	if err != nil {
		return "", fmt.Errorf("failed to decode still: %w", err)
	}
	if err := utils.EnsureDir(outputDir); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := utils.StillFilename(outputDir, still.Source, still.CapturedAt, "jpg")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to save still: %w", err)
	}
	return path, nil
}

// SaveDebugOverlay writes a copy of img with crop outlined
func (m *Morpheus) SaveDebugOverlay(img image.Image, crop geometry.Rect, outputDir, name string) (string, error) {
	if err := utils.EnsureDir(outputDir); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	overlay := m.processor.CreateDebugOverlay(img, crop)
	path := filepath.Join(outputDir, utils.SanitizeFilename(name)+"_overlay.png")
	if err := m.processor.SaveImage(overlay, path, "png", 0, false); err != nil {
		return "", fmt.Errorf("failed to save overlay: %w", err)
	}
	return path, nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
