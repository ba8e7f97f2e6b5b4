package raster

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"go.uber.org/zap"

	"mathtutor/internal/models"
)

// DefaultScale renders pages at 2x the document viewport.
const DefaultScale = 2.0

// Rasterizer turns PDF documents into PNG page images.
type Rasterizer struct {
	engine Engine
	scale  float64
	log    *zap.Logger
	enc    png.Encoder
}

// Option configures a Rasterizer.
type Option func(*Rasterizer)

func WithScale(scale float64) Option {
	return func(r *Rasterizer) {
		if scale > 0 {
			r.scale = scale
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Rasterizer) {
		if log != nil {
			r.log = log
		}
	}
}

func New(engine Engine, opts ...Option) *Rasterizer {
	r := &Rasterizer{
		engine: engine,
		scale:  DefaultScale,
		log:    zap.NewNop(),
		enc:    png.Encoder{CompressionLevel: png.DefaultCompression},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render renders every page of doc in order. Pages that fail are logged and
// skipped, so the result can be shorter than the page count. Only a document
// that cannot be opened is an error.
func (r *Rasterizer) Render(ctx context.Context, doc models.Document) ([]models.PageImage, error) {
	opened, err := r.engine.Open(doc.Data)
	if err != nil {
		return nil, models.RenderError(fmt.Sprintf("open %s", doc.Path), err)
	}
	defer opened.Close()

	count := opened.NumPage()
	images := make([]models.PageImage, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return images, err
		}
		img, err := r.renderPage(opened, i)
		if err != nil {
			r.log.Warn("render page failed",
				zap.String("document", doc.Path),
				zap.Int("page", i+1),
				zap.Error(err))
			continue
		}
		img.Document = doc.Path
		images = append(images, img)
	}
	return images, nil
}

func (r *Rasterizer) renderPage(doc Document, index int) (models.PageImage, error) {
	page, err := doc.Page(index)
	if err != nil {
		return models.PageImage{}, fmt.Errorf("load page: %w", err)
	}
	defer page.Close()

	img, err := page.Render(r.scale)
	if err != nil {
		return models.PageImage{}, fmt.Errorf("draw page: %w", err)
	}
	var buf bytes.Buffer
	if err := r.enc.Encode(&buf, img); err != nil {
		return models.PageImage{}, fmt.Errorf("encode png: %w", err)
	}
	bounds := img.Bounds()
	return models.PageImage{
		Page:   index + 1,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		PNG:    buf.Bytes(),
	}, nil
}
