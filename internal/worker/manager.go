package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mathtutor/internal/models"
	"mathtutor/internal/service/assistant"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrUploadInProgress  = errors.New("an upload is already being processed")
)

const (
	defaultWorkspaceTTL    = 2 * time.Hour
	defaultJanitorInterval = time.Minute
	updateBuffer           = 64
)

// Runner executes the upload pipeline against a workspace state.
type Runner interface {
	Run(ctx context.Context, state *assistant.State, data []byte) error
}

// Relayer runs one conversational turn.
type Relayer interface {
	Send(ctx context.Context, state *assistant.State, text string, onUpdate func(models.Message)) (bool, error)
}

// TranscriptRecorder archives finished transcript turns.
type TranscriptRecorder interface {
	RecordMessage(ctx context.Context, workspaceID string, msg models.Message)
}

type Config struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	WorkspaceTTL      time.Duration
}

// Upload is a running upload. Updates is closed when the run ends; Done then
// yields the run error (nil on success) exactly once.
type Upload struct {
	WorkspaceID string
	Updates     <-chan models.Snapshot
	Done        <-chan error
}

type Option func(*Manager)

// WithMirror mirrors every workspace transition into redis.
func WithMirror(client mirrorClient) Option {
	return func(m *Manager) {
		if client != nil {
			m.mirrorClient = client
		}
	}
}

func WithTranscripts(rec TranscriptRecorder) Option {
	return func(m *Manager) {
		m.transcripts = rec
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// Manager owns the workspaces of this process and schedules their uploads
// on the worker pool.
type Manager struct {
	relay        Relayer
	dispatcher   *Dispatcher
	mirror       *stateRedis
	mirrorClient mirrorClient
	transcripts  TranscriptRecorder
	log          *zap.Logger
	ttl          time.Duration
	now          func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace
	closeOnce  sync.Once
}

func NewManager(runner Runner, relay Relayer, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		relay:      relay,
		log:        zap.NewNop(),
		ttl:        cfg.WorkspaceTTL,
		now:        time.Now,
		workspaces: make(map[string]*workspace),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl <= 0 {
		m.ttl = defaultWorkspaceTTL
	}
	if m.mirrorClient != nil {
		m.mirror = newStateCache(m.mirrorClient, m.log)
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, runner, cfg.WorkerIdleTimeout, m.log)
	return m
}

// Upload queues a pipeline run. An empty workspaceID creates a new
// workspace; an existing one is restarted with the new archive.
func (m *Manager) Upload(workspaceID string, data []byte) (*Upload, error) {
	ws, created, err := m.workspaceFor(workspaceID)
	if err != nil {
		return nil, err
	}
	id := ws.state.ID()

	updates := make(chan models.Snapshot, updateBuffer)
	if err := ws.claim(updates, m.now()); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	task := &processTask{
		workspaceID: id,
		state:       ws.state,
		data:        data,
		finish: func(err error) {
			if err == nil {
				m.recordSeed(id, ws.state.Snapshot())
			}
			ws.release(m.now())
			done <- err
			close(done)
		},
	}
	if err := m.dispatcher.Submit(Job{Type: Process, Task: task}); err != nil {
		ws.release(m.now())
		if created {
			m.remove(id)
		}
		return nil, err
	}
	m.log.Info("upload queued", zap.String("workspace", id), zap.Int("bytes", len(data)))
	return &Upload{WorkspaceID: id, Updates: updates, Done: done}, nil
}

// Snapshot returns the state of a workspace. Workspaces of other processes
// are served from the redis mirror when one is configured.
func (m *Manager) Snapshot(ctx context.Context, workspaceID string) (models.Snapshot, error) {
	if ws := m.get(workspaceID); ws != nil {
		ws.touch(m.now())
		return ws.state.Snapshot(), nil
	}
	if snap, ok := m.mirror.load(ctx, workspaceID); ok {
		return snap, nil
	}
	return models.Snapshot{}, ErrWorkspaceNotFound
}

// Send relays a user turn and archives the finished turns.
func (m *Manager) Send(ctx context.Context, workspaceID, text string, onUpdate func(models.Message)) (bool, error) {
	ws := m.get(workspaceID)
	if ws == nil {
		return false, ErrWorkspaceNotFound
	}
	ws.touch(m.now())

	latest := make(map[int64]models.Message)
	var mu sync.Mutex
	sent, err := m.relay.Send(ctx, ws.state, text, func(msg models.Message) {
		mu.Lock()
		latest[msg.ID] = msg
		mu.Unlock()
		if onUpdate != nil {
			onUpdate(msg)
		}
	})
	ws.touch(m.now())
	if !sent || m.transcripts == nil {
		return sent, err
	}

	turns := make([]models.Message, 0, len(latest))
	for _, msg := range latest {
		turns = append(turns, msg)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].ID < turns[j].ID })
	for _, msg := range turns {
		m.transcripts.RecordMessage(ctx, workspaceID, msg)
	}
	return sent, err
}

// recordSeed archives the opening bot turn of a freshly opened session.
func (m *Manager) recordSeed(workspaceID string, snap models.Snapshot) {
	if m.transcripts == nil || snap.Phase != models.PhaseChatting || len(snap.Messages) == 0 {
		return
	}
	m.transcripts.RecordMessage(context.Background(), workspaceID, snap.Messages[0])
}

// Discard resets a workspace and forgets it. An upload that is still queued
// is cancelled; one that is already running makes Discard fail.
func (m *Manager) Discard(workspaceID string) error {
	ws := m.get(workspaceID)
	if ws == nil {
		return ErrWorkspaceNotFound
	}
	if ws.state.Phase() == models.PhaseProcessing {
		return ErrUploadInProgress
	}
	if ws.isPending() {
		if n := m.dispatcher.Cancel(workspaceID); n > 0 {
			m.log.Info("queued upload cancelled", zap.String("workspace", workspaceID))
		}
		if ws.isPending() {
			return ErrUploadInProgress
		}
	}
	ws.state.Reset()
	m.remove(workspaceID)
	m.mirror.discard(workspaceID)
	return nil
}

// StartJanitor expires idle workspaces every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.log.Info("expired idle workspaces", zap.Int("count", n))
				}
			}
		}
	}()
}

// Sweep removes workspaces idle for longer than the TTL and returns how
// many were removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, ws := range m.workspaces {
		if ws.expired(now, m.ttl) {
			expired = append(expired, id)
			delete(m.workspaces, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.mirror.discard(id)
	}
	return len(expired)
}

// Close stops the worker pool and flushes the mirror.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.dispatcher.Stop()
		m.mirror.close()
	})
}

func (m *Manager) workspaceFor(workspaceID string) (*workspace, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if workspaceID != "" {
		ws, ok := m.workspaces[workspaceID]
		if !ok {
			return nil, false, ErrWorkspaceNotFound
		}
		return ws, false, nil
	}
	id := uuid.NewString()
	ws := newWorkspace(id, m.now())
	ws.state.Observe(func(snap models.Snapshot) {
		ws.forward(snap)
		m.mirror.publish(snap)
	})
	m.workspaces[id] = ws
	return ws, true, nil
}

func (m *Manager) get(workspaceID string) *workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[workspaceID]
}

func (m *Manager) remove(workspaceID string) {
	m.mu.Lock()
	delete(m.workspaces, workspaceID)
	m.mu.Unlock()
}
