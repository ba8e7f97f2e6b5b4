package assistant

import (
	"errors"
	"sync"
	"time"

	"mathtutor/internal/models"
	"mathtutor/internal/service/ai"
)

var (
	ErrRunInProgress = errors.New("a file is already being processed")
	ErrNotChatting   = errors.New("no study session is open")
	ErrTurnInFlight  = errors.New("a reply is still being generated")
	ErrEmptyMessage  = errors.New("message is empty")
)

// State is the pipeline and conversation state of one workspace. All
// mutation goes through its transition methods.
type State struct {
	mu        sync.Mutex
	id        string
	phase     models.Phase
	progress  string
	lastErr   string
	equations []string
	messages  []models.Message
	nextID    int64
	busy      bool
	session   ai.ChatSession
	updatedAt time.Time

	// epoch changes on every Begin and Reset so a turn started before them
	// cannot write into the new transcript.
	epoch   int64
	replyID int64

	observer func(models.Snapshot)
	now      func() time.Time
}

func NewState(id string) *State {
	return &State{
		id:        id,
		phase:     models.PhaseIdle,
		now:       time.Now,
		updatedAt: time.Now(),
	}
}

func (s *State) ID() string {
	return s.id
}

// Observe registers a callback invoked with a snapshot after each transition.
func (s *State) Observe(fn func(models.Snapshot)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Begin moves the workspace to Processing and clears the previous run.
func (s *State) Begin() error {
	s.mu.Lock()
	if s.phase == models.PhaseProcessing {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.clearLocked()
	s.phase = models.PhaseProcessing
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *State) SetProgress(message string) {
	s.mu.Lock()
	if s.phase != models.PhaseProcessing {
		s.mu.Unlock()
		return
	}
	s.progress = message
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// Fail returns to Idle with a user facing error. Nothing of the run survives.
func (s *State) Fail(message string) {
	s.mu.Lock()
	s.clearLocked()
	s.phase = models.PhaseIdle
	s.lastErr = message
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

// Ready opens the conversation with the seed bot message.
func (s *State) Ready(equations []string, session ai.ChatSession, seed string) models.Message {
	s.mu.Lock()
	s.phase = models.PhaseChatting
	s.progress = ""
	s.lastErr = ""
	s.equations = append([]string(nil), equations...)
	s.session = session
	msg := s.appendLocked(models.SenderBot, seed)
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
	return msg
}

// Reset drops everything and returns to Idle, as if a new upload was about
// to start.
func (s *State) Reset() {
	s.mu.Lock()
	s.clearLocked()
	s.phase = models.PhaseIdle
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *State) Phase() models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		WorkspaceID: s.id,
		Phase:       s.phase,
		Progress:    s.progress,
		Error:       s.lastErr,
		Busy:        s.busy,
		Equations:   append([]string(nil), s.equations...),
		Messages:    append([]models.Message{}, s.messages...),
		UpdatedAt:   s.updatedAt,
	}
}

// beginTurn records the user turn and claims the single reply slot.
func (s *State) beginTurn(text string) (ai.ChatSession, models.Message, int64, error) {
	s.mu.Lock()
	if s.phase != models.PhaseChatting || s.session == nil {
		s.mu.Unlock()
		return nil, models.Message{}, 0, ErrNotChatting
	}
	if s.busy {
		s.mu.Unlock()
		return nil, models.Message{}, 0, ErrTurnInFlight
	}
	s.busy = true
	s.replyID = 0
	msg := s.appendLocked(models.SenderUser, text)
	epoch, session := s.epoch, s.session
	s.touchLocked()
	s.mu.Unlock()
	s.notify()
	return session, msg, epoch, nil
}

// updateReply writes the accumulated reply into the trailing bot turn,
// creating it on the first fragment.
func (s *State) updateReply(epoch int64, text string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return models.Message{}, false
	}
	s.touchLocked()
	if s.replyID != 0 {
		last := len(s.messages) - 1
		if last >= 0 && s.messages[last].ID == s.replyID {
			s.messages[last].Text = text
			return s.messages[last], true
		}
	}
	msg := s.appendLocked(models.SenderBot, text)
	s.replyID = msg.ID
	return msg, true
}

func (s *State) appendReply(epoch int64, text string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return models.Message{}, false
	}
	s.touchLocked()
	return s.appendLocked(models.SenderBot, text), true
}

func (s *State) endTurn(epoch int64) {
	s.mu.Lock()
	if epoch == s.epoch {
		s.busy = false
		s.replyID = 0
		s.touchLocked()
	}
	s.mu.Unlock()
	s.notify()
}

func (s *State) appendLocked(sender models.Sender, text string) models.Message {
	s.nextID++
	msg := models.Message{ID: s.nextID, Sender: sender, Text: text, CreatedAt: s.now()}
	s.messages = append(s.messages, msg)
	return msg
}

func (s *State) clearLocked() {
	s.epoch++
	s.progress = ""
	s.lastErr = ""
	s.equations = nil
	s.messages = nil
	s.session = nil
	s.busy = false
	s.replyID = 0
}

func (s *State) touchLocked() {
	s.updatedAt = s.now()
}

func (s *State) notify() {
	s.mu.Lock()
	fn := s.observer
	var snap models.Snapshot
	if fn != nil {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
