package raster

import "image"

// Engine opens paginated documents for rendering.
type Engine interface {
	Open(data []byte) (Document, error)
}

// Document is an opened paginated document. Pages are zero-indexed.
type Document interface {
	NumPage() int
	Page(index int) (Page, error)
	Close() error
}

// Page is a loaded page. Close must be called once the page is no longer
// needed, whether or not Render succeeded.
type Page interface {
	// Render draws the page at scale times its 72 DPI viewport.
	Render(scale float64) (image.Image, error)
	Close() error
}
