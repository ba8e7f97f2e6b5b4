package raster

import (
	"errors"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

const baseDPI = 72.0

// FitzEngine renders documents with MuPDF through go-fitz.
type FitzEngine struct{}

func NewFitzEngine() FitzEngine {
	return FitzEngine{}
}

func (FitzEngine) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPage() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) Page(index int) (Page, error) {
	if index < 0 || index >= d.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range", index)
	}
	return &fitzPage{doc: d.doc, index: index}, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}

type fitzPage struct {
	doc   *fitz.Document
	index int
}

func (p *fitzPage) Render(scale float64) (image.Image, error) {
	if p.doc == nil {
		return nil, errors.New("page already closed")
	}
	img, err := p.doc.ImageDPI(p.index, baseDPI*scale)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (p *fitzPage) Close() error {
	p.doc = nil
	return nil
}
