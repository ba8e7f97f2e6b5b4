package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMatchesKind(t *testing.T) {
	cause := errors.New("zip: not a valid zip file")
	err := fmt.Errorf("read upload: %w", ArchiveError("unzip archive", cause))

	assert.True(t, errors.Is(err, ErrArchive))
	assert.False(t, errors.Is(err, ErrNoDocuments))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindArchive, KindOf(err))
	assert.Equal(t, "read upload: unzip archive: zip: not a valid zip file", err.Error())
}

func TestAppErrorWithoutCause(t *testing.T) {
	err := NewError(KindNoImages, "No images found in the PDFs within the ZIP file.", nil)
	assert.Equal(t, "No images found in the PDFs within the ZIP file.", err.Error())
	assert.Nil(t, errors.Unwrap(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
