package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/convoflow/convoflow/pkg/backend"
	"github.com/convoflow/convoflow/pkg/types"
)

const titleSystemPrompt = `Generate a short title for this conversation.
Respond with the title only: at most six words, no quotes, no punctuation
at the end.`

const maxTitleSourceChars = 2000

// generateTitle produces a conversation title after a short settle delay
// and emits it as a title_update event. Failures are logged only; the turn
// outcome is unaffected.
func (o *Orchestrator) generateTitle(ctx context.Context, t *turn) {
	if t.req.Title == nil || !t.req.Title.Enabled {
		return
	}

	if o.backgroundDelay > 0 {
		select {
		case <-time.After(o.backgroundDelay):
		case <-ctx.Done():
			return
		}
	}

	model := t.req.Title.Model
	if model == "" {
		model = t.req.Model
	}

	resp, err := o.backend.ChatCompletion(ctx, &backend.ChatRequest{
		Model: model,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: titleSystemPrompt},
			{Role: types.RoleUser, Content: titleSource(t)},
		},
	})
	if err != nil {
		o.logger.Warn(logPrefix+" title generation failed",
			"conversation", t.conversationID,
			"error", err,
		)
		return
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if title == "" {
		return
	}

	t.emit(types.TurnEvent{
		Type:           types.EventTitleUpdate,
		Title:          title,
		ConversationID: t.conversationID,
	})
}

// titleSource assembles a bounded excerpt of the exchange for the title
// prompt: the latest user message plus the assistant's reply.
func titleSource(t *turn) string {
	var b strings.Builder
	for i := len(t.req.Messages) - 1; i >= 0; i-- {
		if t.req.Messages[i].Role == types.RoleUser {
			b.WriteString("user: " + t.req.Messages[i].Content + "\n")
			break
		}
	}
	b.WriteString("assistant: " + t.held.String())

	src := b.String()
	if len(src) > maxTitleSourceChars {
		src = src[:maxTitleSourceChars]
	}
	return src
}
