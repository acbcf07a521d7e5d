package chat

import (
	"fmt"

	"github.com/google/uuid"
)

// Conversation is the ordered list of turns plus the bookkeeping that routes
// inbound stream events to the turn currently receiving content. It is not
// safe for concurrent use; the Session serializes access to it.
type Conversation struct {
	turns    []*Turn
	activeID string
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// AppendUserTurn pushes a new user turn. The active assistant turn, if any,
// is untouched.
func (c *Conversation) AppendUserTurn(text string) *Turn {
	t := &Turn{ID: uuid.NewString(), Role: RoleUser, Content: text}
	c.turns = append(c.turns, t)
	return t
}

// BeginAssistantTurn pushes a new empty assistant turn and marks it active.
// Callers must not begin a turn while another is active; the sendMessage
// precondition enforces this.
func (c *Conversation) BeginAssistantTurn() *Turn {
	t := &Turn{ID: uuid.NewString(), Role: RoleAssistant}
	c.turns = append(c.turns, t)
	c.activeID = t.ID
	return t
}

// AppendToken concatenates a content delta onto the active turn. No-op when
// no turn is active (late frames after end are expected and harmless).
func (c *Conversation) AppendToken(delta string) {
	t := c.active()
	if t == nil {
		return
	}
	t.Content += delta
}

// StartTool appends an outstanding tool invocation to the active turn,
// preserving call order.
func (c *Conversation) StartTool(callID, name string) {
	t := c.active()
	if t == nil {
		return
	}
	t.ToolInvocations = append(t.ToolInvocations, ToolInvocation{CallID: callID, Name: name})
}

// CompleteTool sets the output on the matching invocation of the active
// turn. Unknown call IDs are tolerated: out-of-order or duplicate
// completions are a no-op, never an error.
func (c *Conversation) CompleteTool(callID, output string) {
	t := c.active()
	if t == nil {
		return
	}
	for i := range t.ToolInvocations {
		if t.ToolInvocations[i].CallID == callID {
			out := output
			t.ToolInvocations[i].Output = &out
			return
		}
	}
}

// EndTurn terminates the active assistant turn normally.
func (c *Conversation) EndTurn() {
	c.activeID = ""
}

// FailTurn terminates the active assistant turn and replaces its content
// with a rendered error message. Partial tokens already accumulated are
// discarded, not appended to.
func (c *Conversation) FailTurn(message string) {
	t := c.active()
	c.activeID = ""
	if t == nil {
		return
	}
	t.Content = fmt.Sprintf("Error: %s", message)
}

// IsStreaming reports whether an assistant turn is currently active.
func (c *Conversation) IsStreaming() bool {
	return c.activeID != ""
}

// ActiveTurnID returns the identifier of the active assistant turn, or "".
func (c *Conversation) ActiveTurnID() string {
	return c.activeID
}

// Turns returns a deep copy of the turn list, safe to hand to a renderer.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.clone()
	}
	return out
}

func (c *Conversation) active() *Turn {
	if c.activeID == "" {
		return nil
	}
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].ID == c.activeID {
			return c.turns[i]
		}
	}
	return nil
}
