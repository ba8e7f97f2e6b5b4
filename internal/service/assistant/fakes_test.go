package assistant

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mathtutor/internal/models"
	"mathtutor/internal/service/ai"
)

type fakeSession struct {
	mu          sync.Mutex
	reply       string
	sendErr     error
	fragments   []string
	streamErr   error
	prompts     []string
	streamCalls int
	// block, when set, holds the stream open until it is closed.
	block chan struct{}
}

func (f *fakeSession) Send(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.reply, nil
}

func (f *fakeSession) SendStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.streamCalls++
	fragments, streamErr, block := f.fragments, f.streamErr, f.block
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		if block != nil {
			<-block
		}
		for _, frag := range fragments {
			if !yield(frag, nil) {
				return
			}
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}
}

type fakeOpener struct {
	session     *fakeSession
	openErr     error
	instruction string
}

func (f *fakeOpener) OpenChat(ctx context.Context, systemInstruction string) (ai.ChatSession, error) {
	f.instruction = systemInstruction
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.session, nil
}

type fakeRenderer struct {
	pages map[string]int
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, doc models.Document) ([]models.PageImage, error) {
	if f.err != nil {
		return nil, models.RenderError("open "+doc.Path, f.err)
	}
	out := make([]models.PageImage, f.pages[doc.Path])
	for i := range out {
		out[i] = models.PageImage{Document: doc.Path, Page: i + 1, PNG: []byte(doc.Path)}
	}
	return out, nil
}

type fakeVision struct {
	reply string
	err   error
}

func (f *fakeVision) GenerateFromImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type recorderSpy struct {
	mu   sync.Mutex
	runs []models.Run
}

func (r *recorderSpy) RecordRun(ctx context.Context, run models.Run) {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
}

var errBoom = errors.New("boom")

func zipOf(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("%PDF-1.4"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// chattingState returns a state with an open session and the seed message.
func chattingState(session ai.ChatSession) *State {
	s := NewState("ws-1")
	_ = s.Begin()
	s.Ready([]string{"E=mc^2"}, session, "seed")
	return s
}
