package equations

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"mathtutor/internal/models"
)

const (
	DefaultBatchSize = 5
	DefaultSentinel  = "IGNORE"

	// Prompt is sent alongside every page image.
	Prompt = "Extract the primary mathematical equation or expression from this image. " +
		"Respond ONLY with the equation in valid LaTeX format, without any surrounding text or explanation. " +
		"If there is no discernible math equation, respond with 'IGNORE'."

	minEquationLength = 3
)

// VisionModel answers a text prompt about a single image.
type VisionModel interface {
	GenerateFromImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// ProgressFunc receives the number of settled calls out of the total.
type ProgressFunc func(done, total int)

type Extractor struct {
	model     VisionModel
	batchSize int
	sentinel  string
	log       *zap.Logger
}

type Option func(*Extractor)

func WithBatchSize(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithSentinel(s string) Option {
	return func(e *Extractor) {
		if s != "" {
			e.sentinel = s
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Extractor) {
		if log != nil {
			e.log = log
		}
	}
}

func New(model VisionModel, opts ...Option) *Extractor {
	e := &Extractor{
		model:     model,
		batchSize: DefaultBatchSize,
		sentinel:  DefaultSentinel,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the vision model for the equation on every image. Images are
// sent in consecutive batches; each batch is fully settled before the next
// one starts. Failed calls are logged and count as processed. The result is
// filtered and deduplicated in submission order and may be empty.
func (e *Extractor) Extract(ctx context.Context, images []models.PageImage, progress ProgressFunc) []string {
	total := len(images)
	raw := make([]string, total)

	var (
		mu   sync.Mutex
		done int
	)
	settle := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if progress != nil {
			progress(done, total)
		}
	}

	for start := 0; start < total; start += e.batchSize {
		end := min(start+e.batchSize, total)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer settle()
				raw[i] = e.extractOne(ctx, images[i])
			}(i)
		}
		wg.Wait()
	}

	return Clean(raw, e.sentinel)
}

func (e *Extractor) extractOne(ctx context.Context, img models.PageImage) string {
	text, err := e.model.GenerateFromImage(ctx, img.PNG, "image/png", Prompt)
	if err != nil {
		e.log.Warn("equation extraction failed",
			zap.String("document", img.Document),
			zap.Int("page", img.Page),
			zap.Error(err))
		return ""
	}
	return text
}

// Clean trims every candidate and drops empties, the sentinel and anything
// shorter than three characters, then removes exact duplicates keeping the
// first occurrence.
func Clean(candidates []string, sentinel string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || c == sentinel || utf8.RuneCountInString(c) < minEquationLength {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
