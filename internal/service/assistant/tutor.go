package assistant

import (
	"context"
	"strings"

	"mathtutor/internal/models"
	"mathtutor/internal/service/ai"
)

// OpeningPrompt is the first user turn of every study session.
const OpeningPrompt = "Based on the provided topics, please give me a brief overview and suggest a starting point for a study plan."

const tutorPersona = "You are an expert and friendly math tutor AI. " +
	"The user has provided a set of mathematical equations and concepts. " +
	"Your goal is to help them understand these topics and create a personalized study plan. " +
	"Be encouraging and break down complex topics into simple steps. " +
	"Use LaTeX format for all mathematical notations by enclosing them in $...$ for inline math and $$...$$ for block math. "

// SystemInstruction embeds the extracted equations into the tutor persona.
func SystemInstruction(equations []string) string {
	return tutorPersona + "The user's materials cover the following: " + strings.Join(equations, ", ") + "."
}

// Tutor opens study sessions seeded with the extracted equations.
type Tutor struct {
	opener ai.ChatOpener
}

func NewTutor(opener ai.ChatOpener) *Tutor {
	return &Tutor{opener: opener}
}

// Start opens a chat primed with the equations, sends the opening prompt and
// waits for the complete reply. On any failure no session is returned.
func (t *Tutor) Start(ctx context.Context, equations []string) (ai.ChatSession, string, error) {
	session, err := t.opener.OpenChat(ctx, SystemInstruction(equations))
	if err != nil {
		return nil, "", models.InferenceError("could not start the study session", err)
	}
	reply, err := session.Send(ctx, OpeningPrompt)
	if err != nil {
		return nil, "", models.InferenceError("could not get the study overview", err)
	}
	return session, reply, nil
}
