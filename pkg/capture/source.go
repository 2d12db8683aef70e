// Package capture defines where a reference still comes from: the live
// camera, a user-supplied file, or a bundled preset.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"github.com/menta2k/morpheus/pkg/types"
)

// Kind identifies the variant of a Source.
type Kind int

const (
	KindLiveFrame Kind = iota
	KindUpload
	KindPreset
)

func (k Kind) String() string {
	switch k {
	case KindLiveFrame:
		return "live"
	case KindUpload:
		return "upload"
	case KindPreset:
		return "preset"
	default:
		return "unknown"
	}
}

// Source produces the image for one capture.
//
// Acquire may block until the image is loaded. On success the returned
// release func is non-nil and must be called exactly once after the image
// is no longer needed.
type Source interface {
	Kind() Kind
	Describe() string
	Acquire(ctx context.Context) (image.Image, func(), error)
}

// Grabber exposes the current frame of an already running video source.
type Grabber interface {
	Frame() (image.Image, error)
}

// Loader decodes image resources.
type Loader interface {
	LoadImageSmart(ctx context.Context, source string) (image.Image, error)
	DecodeImage(r io.Reader) (image.Image, error)
}

func noop() {}

// LiveFrame captures the current frame of a live video source.
type LiveFrame struct {
	Grabber Grabber
}

func (s LiveFrame) Kind() Kind       { return KindLiveFrame }
func (s LiveFrame) Describe() string { return "live" }

func (s LiveFrame) Acquire(ctx context.Context) (image.Image, func(), error) {
	if s.Grabber == nil {
		return nil, nil, fmt.Errorf("no live video source")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	img, err := s.Grabber.Frame()
	if err != nil {
		return nil, nil, err
	}
	if img.Bounds().Empty() {
		return nil, nil, fmt.Errorf("live frame has no dimensions")
	}
	return img, noop, nil
}

// Upload is a user-selected image file on disk.
type Upload struct {
	Path   string
	Loader Loader
}

func (s Upload) Kind() Kind       { return KindUpload }
func (s Upload) Describe() string { return "upload:" + s.Path }

func (s Upload) Acquire(ctx context.Context) (image.Image, func(), error) {
	return load(ctx, s.Loader, s.Path)
}

// UploadData is a user-supplied image held in memory.
type UploadData struct {
	Name   string
	Data   []byte
	Loader Loader
}

func (s UploadData) Kind() Kind       { return KindUpload }
func (s UploadData) Describe() string { return "upload:" + s.Name }

func (s UploadData) Acquire(ctx context.Context) (image.Image, func(), error) {
	if s.Loader == nil {
		return nil, nil, fmt.Errorf("no image loader configured")
	}
	buf := bytes.NewReader(s.Data)
	res := await(ctx, func() (image.Image, error) { return s.Loader.DecodeImage(buf) })
	if res.err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", s.Name, res.err)
	}
	return res.img, func() { buf.Reset(nil) }, nil
}

// PresetSource is one of the statically configured preset images.
type PresetSource struct {
	Preset types.Preset
	Loader Loader
}

func (s PresetSource) Kind() Kind       { return KindPreset }
func (s PresetSource) Describe() string { return "preset:" + s.Preset.Path }

func (s PresetSource) Acquire(ctx context.Context) (image.Image, func(), error) {
	return load(ctx, s.Loader, s.Preset.Path)
}

type loadResult struct {
	img image.Image
	err error
}

// await runs fn in the background and waits for its result or for ctx to
// end, whichever comes first.
func await(ctx context.Context, fn func() (image.Image, error)) loadResult {
	ch := make(chan loadResult, 1)
	go func() {
		img, err := fn()
		ch <- loadResult{img, err}
	}()
	select {
	case <-ctx.Done():
		return loadResult{err: ctx.Err()}
	case r := <-ch:
		return r
	}
}

func load(ctx context.Context, loader Loader, path string) (image.Image, func(), error) {
	if loader == nil {
		return nil, nil, fmt.Errorf("no image loader configured")
	}
	res := await(ctx, func() (image.Image, error) { return loader.LoadImageSmart(ctx, path) })
	if res.err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", path, res.err)
	}
	return res.img, noop, nil
}
