package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/diagnosis/counsel-portal/internal/utils"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	maxMessageRunes = 4000
	maxReplyRunes   = 8000
)

var (
	ErrEmptyConversation = errors.New("conversation must end with a user message")
	ErrInvalidRole       = errors.New("message role must be user or assistant")
	ErrUnavailable       = errors.New("chat assistant is not configured")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model produces the next assistant turn for a conversation.
type Model interface {
	Generate(ctx context.Context, system string, history []Message) (string, error)
}

type Assistant struct {
	model      Model
	system     string
	maxHistory int
}

func NewAssistant(model Model, firmName string, maxHistory int) *Assistant {
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Assistant{model: model, system: SystemPrompt(firmName), maxHistory: maxHistory}
}

// SystemPrompt is the instruction sent with every conversation.
func SystemPrompt(firmName string) string {
	return fmt.Sprintf(`You are the website assistant for %s, a law firm.
Answer general questions about the firm's practice areas, the document store, booking a consultation and how the client portal works.
You do not give legal advice. When a visitor describes their own situation, explain that an attorney can review it in a consultation and point them to the booking page.
Never ask for or repeat sensitive personal information such as social security numbers or account numbers.
Keep answers short and in plain English.`, firmName)
}

// Reply returns the assistant's answer to the last user message. Only the
// most recent messages are sent to the model.
func (a *Assistant) Reply(ctx context.Context, history []Message) (string, error) {
	if a == nil || a.model == nil {
		return "", ErrUnavailable
	}
	msgs, err := a.prepare(history)
	if err != nil {
		return "", err
	}

	out, err := a.model.Generate(ctx, a.system, msgs)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return utils.Truncate(strings.TrimSpace(out), maxReplyRunes), nil
}

func (a *Assistant) prepare(history []Message) ([]Message, error) {
	msgs := make([]Message, 0, len(history))
	for _, m := range history {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != RoleUser && role != RoleAssistant {
			return nil, ErrInvalidRole
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		msgs = append(msgs, Message{Role: role, Content: utils.Truncate(text, maxMessageRunes)})
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != RoleUser {
		return nil, ErrEmptyConversation
	}

	if len(msgs) > a.maxHistory {
		msgs = msgs[len(msgs)-a.maxHistory:]
	}
	// The model expects the conversation to open with a user turn.
	for len(msgs) > 0 && msgs[0].Role != RoleUser {
		msgs = msgs[1:]
	}
	return msgs, nil
}
