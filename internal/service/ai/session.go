package ai

import (
	"context"
	"iter"
)

// ChatSession is one stateful conversation with a chat model. The
// conversation history lives behind the session; callers only send the
// newest user turn.
type ChatSession interface {
	Send(ctx context.Context, prompt string) (string, error)
	// SendStream yields reply fragments in arrival order. The turn is added
	// to the history only when the stream completes without error.
	SendStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// ChatOpener starts chat sessions primed with a system instruction.
type ChatOpener interface {
	OpenChat(ctx context.Context, systemInstruction string) (ChatSession, error)
}
