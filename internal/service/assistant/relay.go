package assistant

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"mathtutor/internal/models"
)

// FallbackReply replaces a reply whose stream failed.
const FallbackReply = "Sorry, I encountered an error. Please try again."

// Relay forwards user turns to the open session and streams the reply into
// the transcript.
type Relay struct {
	log *zap.Logger
}

func NewRelay(log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{log: log}
}

// Send runs one conversational turn. It returns false with ErrEmptyMessage,
// ErrNotChatting or ErrTurnInFlight when the turn was not started. Once
// started the turn always completes: a failing stream ends with
// FallbackReply and the session stays open. Surrounding whitespace is
// stripped from text. onUpdate receives the user turn and then the bot turn
// after every change.
func (r *Relay) Send(ctx context.Context, state *State, text string, onUpdate func(models.Message)) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ErrEmptyMessage
	}
	session, user, epoch, err := state.beginTurn(text)
	if err != nil {
		return false, err
	}
	defer state.endTurn(epoch)

	emit := func(msg models.Message, ok bool) {
		if ok && onUpdate != nil {
			onUpdate(msg)
		}
	}
	emit(user, true)

	var reply strings.Builder
	for fragment, err := range session.SendStream(ctx, text) {
		if err != nil {
			r.log.Warn("reply stream failed",
				zap.String("workspace", state.ID()),
				zap.Int("received", reply.Len()),
				zap.Error(err))
			emit(state.appendReply(epoch, FallbackReply))
			return true, nil
		}
		reply.WriteString(fragment)
		emit(state.updateReply(epoch, reply.String()))
	}
	return true, nil
}
