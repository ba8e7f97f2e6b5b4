package models

// Document is one PDF entry read from an uploaded archive.
type Document struct {
	Path string
	Data []byte
}

// PageImage is a rendered page, PNG encoded. It only lives between
// rasterization and equation extraction.
type PageImage struct {
	Document string
	Page     int
	Width    int
	Height   int
	PNG      []byte
}
