package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the pipeline.
type ErrorKind string

const (
	KindArchive       ErrorKind = "archive"
	KindRender        ErrorKind = "render"
	KindNoDocuments   ErrorKind = "no_documents"
	KindNoImages      ErrorKind = "no_images"
	KindNoEquations   ErrorKind = "no_equations"
	KindInference     ErrorKind = "inference"
	KindConfiguration ErrorKind = "configuration"
)

// AppError carries a kind, a user readable message and an optional cause.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError of the same kind, so callers can write
// errors.Is(err, models.ErrNoImages).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// Kind sentinels for errors.Is.
var (
	ErrArchive       = &AppError{Kind: KindArchive}
	ErrRender        = &AppError{Kind: KindRender}
	ErrNoDocuments   = &AppError{Kind: KindNoDocuments}
	ErrNoImages      = &AppError{Kind: KindNoImages}
	ErrNoEquations   = &AppError{Kind: KindNoEquations}
	ErrInference     = &AppError{Kind: KindInference}
	ErrConfiguration = &AppError{Kind: KindConfiguration}
)

func ArchiveError(message string, err error) *AppError {
	return NewError(KindArchive, message, err)
}

func RenderError(message string, err error) *AppError {
	return NewError(KindRender, message, err)
}

func InferenceError(message string, err error) *AppError {
	return NewError(KindInference, message, err)
}

func ConfigurationError(message string, err error) *AppError {
	return NewError(KindConfiguration, message, err)
}

// KindOf reports the kind of the first AppError in the chain, or "".
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
