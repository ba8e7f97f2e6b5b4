package raster

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathtutor/internal/models"
)

// buildPDF writes a minimal PDF with the given number of blank pages, each
// with a width x height point media box.
func buildPDF(pages, width, height int) []byte {
	var buf bytes.Buffer
	offsets := make([]int, 0, pages+2)
	object := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	object("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		object(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << >> >>", width, height))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestFitzEngineRendersAtDefaultScale(t *testing.T) {
	r := New(NewFitzEngine())
	images, err := r.Render(context.Background(), models.Document{Path: "blank.pdf", Data: buildPDF(2, 100, 50)})
	require.NoError(t, err)
	require.Len(t, images, 2)

	for i, img := range images {
		assert.Equal(t, "blank.pdf", img.Document)
		assert.Equal(t, i+1, img.Page)
		assert.Equal(t, 200, img.Width)
		assert.Equal(t, 100, img.Height)

		decoded, err := png.Decode(bytes.NewReader(img.PNG))
		require.NoError(t, err)
		assert.Equal(t, 200, decoded.Bounds().Dx())
		assert.Equal(t, 100, decoded.Bounds().Dy())
	}
}

func TestFitzEngineRejectsEmptyInput(t *testing.T) {
	_, err := NewFitzEngine().Open(nil)
	require.Error(t, err)
}

func TestFitzDocumentPageOutOfRange(t *testing.T) {
	doc, err := NewFitzEngine().Open(buildPDF(1, 100, 50))
	require.NoError(t, err)
	defer doc.Close()

	assert.Equal(t, 1, doc.NumPage())
	_, err = doc.Page(1)
	assert.Error(t, err)

	page, err := doc.Page(0)
	require.NoError(t, err)
	require.NoError(t, page.Close())
	_, err = page.Render(DefaultScale)
	assert.Error(t, err)
}
