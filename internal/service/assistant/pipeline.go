package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mathtutor/internal/archive"
	"mathtutor/internal/models"
	"mathtutor/internal/service/ai"
	"mathtutor/internal/service/equations"
)

// Renderer rasterizes one document into page images.
type Renderer interface {
	Render(ctx context.Context, doc models.Document) ([]models.PageImage, error)
}

// EquationExtractor turns page images into a deduplicated equation list.
type EquationExtractor interface {
	Extract(ctx context.Context, images []models.PageImage, progress equations.ProgressFunc) []string
}

// SessionStarter opens the tutoring conversation.
type SessionStarter interface {
	Start(ctx context.Context, equations []string) (ai.ChatSession, string, error)
}

// RunRecorder is told about every finished run. It must not block for long.
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.Run)
}

// User facing messages of the empty-result failures.
const (
	MsgNoDocuments = "No PDF files found in the uploaded ZIP."
	MsgNoImages    = "No images found in the PDFs within the ZIP file."
	MsgNoEquations = "Could not extract any math equations from the images."

	failurePrefix = "Failed to process file: "
)

// Pipeline runs archive -> pages -> equations -> tutor for one upload.
type Pipeline struct {
	renderer  Renderer
	extractor EquationExtractor
	tutor     SessionStarter
	recorder  RunRecorder
	log       *zap.Logger
}

type PipelineOption func(*Pipeline)

func WithRecorder(r RunRecorder) PipelineOption {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

func WithPipelineLogger(log *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

func NewPipeline(renderer Renderer, extractor EquationExtractor, tutor SessionStarter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		renderer:  renderer,
		extractor: extractor,
		tutor:     tutor,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one uploaded archive into an open study session. Failures
// leave the state Idle with a "Failed to process file" message and are
// returned to the caller as well.
func (p *Pipeline) Run(ctx context.Context, state *State, data []byte) error {
	if err := state.Begin(); err != nil {
		return err
	}
	run := models.Run{WorkspaceID: state.ID(), StartedAt: time.Now().UTC()}

	session, seed, err := p.process(ctx, state, data, &run)
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		message := failurePrefix + err.Error()
		state.Fail(message)
		run.Status = models.RunFailed
		run.Error = message
		p.log.Warn("pipeline run failed",
			zap.String("workspace", state.ID()),
			zap.String("kind", string(models.KindOf(err))),
			zap.Error(err))
		p.record(ctx, run)
		return err
	}

	state.Ready(run.EquationList, session, seed)
	run.Status = models.RunSucceeded
	p.log.Info("pipeline run finished",
		zap.String("workspace", state.ID()),
		zap.Int("documents", run.Documents),
		zap.Int("images", run.Images),
		zap.Int("equations", run.Equations),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))
	p.record(ctx, run)
	return nil
}

func (p *Pipeline) process(ctx context.Context, state *State, data []byte, run *models.Run) (ai.ChatSession, string, error) {
	found, err := Collect(ctx, data, p.renderer, p.extractor, state.SetProgress)
	run.Documents = found.Documents
	run.Images = found.Images
	run.Equations = len(found.Equations)
	run.EquationList = found.Equations
	if err != nil {
		return nil, "", err
	}

	state.SetProgress("Initializing study assistant...")
	session, reply, err := p.tutor.Start(ctx, found.Equations)
	if err != nil {
		return nil, "", err
	}
	return session, SeedMessage(found.Equations, reply), nil
}

// Collection is what the first three stages found in one archive.
type Collection struct {
	Documents int
	Images    int
	Equations []string
}

// Collect unzips data, renders every PDF and extracts the equations on the
// rendered pages. Each status line is passed to progress. The counts are
// filled in as far as the run got, also when an error is returned.
func Collect(ctx context.Context, data []byte, renderer Renderer, extractor EquationExtractor, progress func(string)) (Collection, error) {
	if progress == nil {
		progress = func(string) {}
	}
	var c Collection
	progress("Extracting images from PDFs...")
	progress("Unzipping file...")
	docs, err := archive.Read(data)
	if err != nil {
		return c, err
	}
	c.Documents = len(docs)
	if len(docs) == 0 {
		return c, models.NewError(models.KindNoDocuments, MsgNoDocuments, nil)
	}

	var images []models.PageImage
	for i, doc := range docs {
		progress(fmt.Sprintf("Processing PDF %d/%d: %s", i+1, len(docs), doc.Path))
		pages, err := renderer.Render(ctx, doc)
		if err != nil {
			return c, err
		}
		images = append(images, pages...)
	}
	c.Images = len(images)
	if len(images) == 0 {
		return c, models.NewError(models.KindNoImages, MsgNoImages, nil)
	}

	progress(fmt.Sprintf("Found %d images. Analyzing with AI...", len(images)))
	c.Equations = extractor.Extract(ctx, images, func(done, total int) {
		progress(fmt.Sprintf("Analyzing images with AI... (%d/%d)", done, total))
	})
	if len(c.Equations) == 0 {
		return c, models.NewError(models.KindNoEquations, MsgNoEquations, nil)
	}
	return c, nil
}

// SeedMessage is the first bot turn: the equation summary followed by the
// tutor's overview.
func SeedMessage(found []string, reply string) string {
	lines := make([]string, len(found))
	for i, eq := range found {
		lines[i] = "> " + eq
	}
	return fmt.Sprintf("I've analyzed your documents and found %d mathematical concepts. Here's a summary:\n\n%s\n\n%s",
		len(found), strings.Join(lines, "\n"), reply)
}

func (p *Pipeline) record(ctx context.Context, run models.Run) {
	if p.recorder != nil {
		p.recorder.RecordRun(ctx, run)
	}
}
