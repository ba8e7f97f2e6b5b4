package worker

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"mathtutor/internal/models"
	"mathtutor/internal/service/assistant"
)

type fakeSession struct {
	fragments []string
}

func (f *fakeSession) Send(ctx context.Context, prompt string) (string, error) {
	return "overview", nil
}

func (f *fakeSession) SendStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, frag := range f.fragments {
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// fakeRunner walks the state machine like the pipeline does.
type fakeRunner struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, state *assistant.State, data []byte) error {
	if err := state.Begin(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls++
	gate, runErr := f.gate, f.err
	f.mu.Unlock()

	state.SetProgress("Unzipping file...")
	if gate != nil {
		<-gate
	}
	if runErr != nil {
		state.Fail("Failed to process file: " + runErr.Error())
		return runErr
	}
	state.Ready([]string{string(data)}, &fakeSession{fragments: []string{"a", "b"}}, "seed")
	return nil
}

type transcriptSpy struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (s *transcriptSpy) RecordMessage(ctx context.Context, workspaceID string, msg models.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func newTestManager(t *testing.T, runner Runner, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(runner, assistant.NewRelay(nil), Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4}, opts...)
	t.Cleanup(m.Close)
	return m
}

func waitUpload(t *testing.T, up *Upload) ([]models.Snapshot, error) {
	t.Helper()
	var snaps []models.Snapshot
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-up.Updates:
			if !ok {
				select {
				case err := <-up.Done:
					return snaps, err
				case <-timeout:
					t.Fatalf("upload did not finish")
				}
			}
			snaps = append(snaps, snap)
		case <-timeout:
			t.Fatalf("upload did not finish")
		}
	}
}

func TestManagerUploadAndChat(t *testing.T) {
	transcripts := &transcriptSpy{}
	m := newTestManager(t, &fakeRunner{}, WithTranscripts(transcripts))

	up, err := m.Upload("", []byte("x^2"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.WorkspaceID == "" {
		t.Fatalf("expected a workspace id")
	}
	snaps, err := waitUpload(t, up)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(snaps) == 0 || snaps[len(snaps)-1].Phase != models.PhaseChatting {
		t.Fatalf("expected final chatting snapshot, got %#v", snaps)
	}

	snap, err := m.Snapshot(context.Background(), up.WorkspaceID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Phase != models.PhaseChatting || len(snap.Messages) != 1 || snap.Equations[0] != "x^2" {
		t.Fatalf("unexpected snapshot %#v", snap)
	}

	var updates []models.Message
	sent, err := m.Send(context.Background(), up.WorkspaceID, "why?", func(msg models.Message) {
		updates = append(updates, msg)
	})
	if err != nil || !sent {
		t.Fatalf("send: %v %v", sent, err)
	}
	if len(updates) != 3 || updates[2].Text != "ab" {
		t.Fatalf("unexpected updates %#v", updates)
	}
	transcripts.mu.Lock()
	archived := append([]models.Message(nil), transcripts.msgs...)
	transcripts.mu.Unlock()
	if len(archived) != 3 {
		t.Fatalf("expected seed, user and bot turn archived, got %#v", archived)
	}
	if archived[1].Sender != models.SenderUser || archived[2].Text != "ab" {
		t.Fatalf("archived turns out of order: %#v", archived)
	}
}

func TestManagerArchivesSeedTurn(t *testing.T) {
	transcripts := &transcriptSpy{}
	m := newTestManager(t, &fakeRunner{}, WithTranscripts(transcripts))

	up, err := m.Upload("", []byte("x^2"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := waitUpload(t, up); err != nil {
		t.Fatalf("run error: %v", err)
	}

	transcripts.mu.Lock()
	defer transcripts.mu.Unlock()
	if len(transcripts.msgs) != 1 {
		t.Fatalf("expected the seed turn to be archived, got %#v", transcripts.msgs)
	}
	seed := transcripts.msgs[0]
	if seed.ID != 1 || seed.Sender != models.SenderBot || seed.Text != "seed" {
		t.Fatalf("unexpected seed turn %#v", seed)
	}
}

func TestManagerFailedUploadArchivesNothing(t *testing.T) {
	transcripts := &transcriptSpy{}
	m := newTestManager(t, &fakeRunner{err: errors.New("boom")}, WithTranscripts(transcripts))

	up, err := m.Upload("", []byte("zip"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := waitUpload(t, up); err == nil {
		t.Fatalf("expected run error")
	}
	transcripts.mu.Lock()
	defer transcripts.mu.Unlock()
	if len(transcripts.msgs) != 0 {
		t.Fatalf("failed run archived %#v", transcripts.msgs)
	}
}

func TestManagerDiscardCancelsQueuedUpload(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	m := NewManager(runner, assistant.NewRelay(nil), Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer func() {
		close(runner.gate)
		m.Close()
	}()

	running, err := m.Upload("", []byte("a"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 1
	})

	queued, err := m.Upload("", []byte("b"))
	if err != nil {
		t.Fatalf("queued upload: %v", err)
	}
	if err := m.Discard(queued.WorkspaceID); err != nil {
		t.Fatalf("discard queued upload: %v", err)
	}
	if _, err := waitUpload(t, queued); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := m.Snapshot(context.Background(), queued.WorkspaceID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("discarded workspace still present: %v", err)
	}
	if err := m.Discard(running.WorkspaceID); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("running upload should not be discarded, got %v", err)
	}
}

func TestManagerUploadFailureLeavesIdle(t *testing.T) {
	m := newTestManager(t, &fakeRunner{err: errors.New("No PDF files found in the uploaded ZIP.")})

	up, err := m.Upload("", []byte("zip"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := waitUpload(t, up); err == nil {
		t.Fatalf("expected run error")
	}
	snap, err := m.Snapshot(context.Background(), up.WorkspaceID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Phase != models.PhaseIdle || snap.Error != "Failed to process file: No PDF files found in the uploaded ZIP." {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
	if _, err := m.Send(context.Background(), up.WorkspaceID, "hi", nil); !errors.Is(err, assistant.ErrNotChatting) {
		t.Fatalf("expected ErrNotChatting, got %v", err)
	}
}

func TestManagerRejectsSecondUploadWhileProcessing(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	m := newTestManager(t, runner)

	up, err := m.Upload("", []byte("a"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 1
	})
	if _, err := m.Upload(up.WorkspaceID, []byte("b")); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("expected ErrUploadInProgress, got %v", err)
	}
	if err := m.Discard(up.WorkspaceID); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("expected discard to be refused, got %v", err)
	}
	close(runner.gate)
	if _, err := waitUpload(t, up); err != nil {
		t.Fatalf("run error: %v", err)
	}

	runner.mu.Lock()
	runner.gate = nil
	runner.mu.Unlock()
	again, err := m.Upload(up.WorkspaceID, []byte("b"))
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if _, err := waitUpload(t, again); err != nil {
		t.Fatalf("re-upload run: %v", err)
	}
	snap, _ := m.Snapshot(context.Background(), up.WorkspaceID)
	if len(snap.Equations) != 1 || snap.Equations[0] != "b" {
		t.Fatalf("expected new run to replace equations, got %#v", snap.Equations)
	}
}

func TestManagerUnknownWorkspace(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	if _, err := m.Upload("missing", nil); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected ErrWorkspaceNotFound, got %v", err)
	}
	if _, err := m.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected ErrWorkspaceNotFound, got %v", err)
	}
	if _, err := m.Send(context.Background(), "missing", "hi", nil); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected ErrWorkspaceNotFound, got %v", err)
	}
	if err := m.Discard("missing"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected ErrWorkspaceNotFound, got %v", err)
	}
}

func TestManagerDispatcherBusy(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	m := NewManager(runner, assistant.NewRelay(nil), Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer func() {
		close(runner.gate)
		m.Close()
	}()

	var busy error
	for i := 0; i < 10 && busy == nil; i++ {
		_, busy = m.Upload("", []byte("x"))
	}
	if !errors.Is(busy, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", busy)
	}
	m.mu.Lock()
	count := len(m.workspaces)
	m.mu.Unlock()
	if count >= 10 {
		t.Fatalf("rejected uploads should not keep their workspace")
	}
}

func TestManagerDiscardAndSweep(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	now := time.Now()
	m.now = func() time.Time { return now }

	keep, _ := m.Upload("", []byte("a"))
	drop, _ := m.Upload("", []byte("b"))
	gone, _ := m.Upload("", []byte("c"))
	for _, up := range []*Upload{keep, drop, gone} {
		if _, err := waitUpload(t, up); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	if err := m.Discard(gone.WorkspaceID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := m.Snapshot(context.Background(), gone.WorkspaceID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected discarded workspace to be gone, got %v", err)
	}

	now = now.Add(m.ttl + time.Second)
	m.get(keep.WorkspaceID).touch(now)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("expected one expired workspace, got %d", n)
	}
	if _, err := m.Snapshot(context.Background(), keep.WorkspaceID); err != nil {
		t.Fatalf("recently used workspace expired: %v", err)
	}
	if _, err := m.Snapshot(context.Background(), drop.WorkspaceID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("idle workspace survived sweep")
	}
}
