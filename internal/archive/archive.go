package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"mathtutor/internal/models"
)

// Read opens an in-memory ZIP and returns its PDF entries in listing order.
// Directories and entries without a .pdf suffix are skipped. An archive with no
// PDFs yields an empty slice; the caller decides whether that is an error.
func Read(data []byte) ([]models.Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, models.ArchiveError("invalid zip archive", err)
	}

	docs := make([]models.Document, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !IsPDF(f.Name) {
			continue
		}
		body, err := readEntry(f)
		if err != nil {
			return nil, models.ArchiveError(fmt.Sprintf("read entry %s", f.Name), err)
		}
		docs = append(docs, models.Document{Path: f.Name, Data: body})
	}
	return docs, nil
}

// IsPDF reports whether an archive path names a PDF, ignoring case.
func IsPDF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
