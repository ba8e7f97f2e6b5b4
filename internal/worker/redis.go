package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mathtutor/internal/models"
	"mathtutor/internal/redis"
)

const (
	// EventsChannel carries a JSON Event for every workspace transition.
	EventsChannel     = "tutor:workspace:events"
	snapshotKeyPrefix = "tutor:workspace:"
	redisStateTTL     = 30 * time.Minute
	mirrorQueueLen    = 256
	mirrorTimeout     = 2 * time.Second
)

const (
	EventUpdate    = "update"
	EventDiscarded = "discarded"
)

// Event is the pub/sub payload published on EventsChannel.
type Event struct {
	Type     string          `json:"type"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// mirrorClient is the subset of the redis client the mirror uses.
type mirrorClient interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// stateRedis mirrors workspace snapshots into redis so other processes can
// follow progress. Writes happen on a background goroutine and are dropped
// when the queue is full.
type stateRedis struct {
	client mirrorClient
	log    *zap.Logger
	queue  chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newStateCache(client mirrorClient, log *zap.Logger) *stateRedis {
	if log == nil {
		log = zap.NewNop()
	}
	r := &stateRedis{
		client: client,
		log:    log,
		queue:  make(chan Event, mirrorQueueLen),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func snapshotKey(workspaceID string) string {
	return snapshotKeyPrefix + workspaceID
}

func (r *stateRedis) publish(snap models.Snapshot) {
	r.enqueue(Event{Type: EventUpdate, Snapshot: snap})
}

func (r *stateRedis) discard(workspaceID string) {
	r.enqueue(Event{Type: EventDiscarded, Snapshot: models.Snapshot{WorkspaceID: workspaceID, Phase: models.PhaseIdle}})
}

func (r *stateRedis) enqueue(ev Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.log.Warn("state mirror queue full, dropping event", zap.String("workspace", ev.Snapshot.WorkspaceID))
	}
}

func (r *stateRedis) loop() {
	defer close(r.done)
	for ev := range r.queue {
		r.write(ev)
	}
}

// close flushes queued events and stops the writer.
func (r *stateRedis) close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *stateRedis) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	key := snapshotKey(ev.Snapshot.WorkspaceID)

	if ev.Type == EventDiscarded {
		if err := r.client.Del(ctx, key); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn("state mirror delete failed", zap.String("key", key), zap.Error(err))
		}
	} else {
		data, err := json.Marshal(ev.Snapshot)
		if err != nil {
			r.log.Warn("state mirror marshal failed", zap.Error(err))
			return
		}
		if err := r.client.Set(ctx, key, data, redisStateTTL); err != nil {
			r.log.Warn("state mirror set failed", zap.String("key", key), zap.Error(err))
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("state mirror event marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, EventsChannel, payload); err != nil {
		r.log.Warn("state mirror publish failed", zap.Error(err))
	}
}

// load reads a mirrored snapshot, typically one owned by another process.
func (r *stateRedis) load(ctx context.Context, workspaceID string) (models.Snapshot, bool) {
	if r == nil {
		return models.Snapshot{}, false
	}
	raw, err := r.client.Get(ctx, snapshotKey(workspaceID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn("state mirror load failed", zap.String("workspace", workspaceID), zap.Error(err))
		}
		return models.Snapshot{}, false
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		r.log.Warn("state mirror decode failed", zap.String("workspace", workspaceID), zap.Error(err))
		return models.Snapshot{}, false
	}
	return snap, true
}

// Watch subscribes to workspace events until ctx is done.
func Watch(ctx context.Context, client *redis.Client, handler func(Event)) error {
	msgs, err := client.Subscribe(ctx, EventsChannel)
	if err != nil {
		return err
	}
	for payload := range msgs {
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		handler(ev)
	}
	return ctx.Err()
}
