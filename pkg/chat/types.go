package chat

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the tri-state connection status exposed to the UI.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ToolInvocation is one tool call nested inside an assistant turn. Output is
// nil while the call is outstanding; a non-nil pointer (possibly to an empty
// string) is the sole completion signal.
type ToolInvocation struct {
	CallID string
	Name   string
	Output *string
}

// Done reports whether the invocation has completed.
func (ti ToolInvocation) Done() bool { return ti.Output != nil }

// Turn is one chat message. Assistant turns accumulate content and tool
// invocations while active and freeze once the turn terminates.
type Turn struct {
	ID              string
	Role            Role
	Content         string
	ToolInvocations []ToolInvocation
}

func (t *Turn) clone() Turn {
	out := Turn{ID: t.ID, Role: t.Role, Content: t.Content}
	if len(t.ToolInvocations) > 0 {
		out.ToolInvocations = make([]ToolInvocation, len(t.ToolInvocations))
		for i, ti := range t.ToolInvocations {
			c := ti
			if ti.Output != nil {
				v := *ti.Output
				c.Output = &v
			}
			out.ToolInvocations[i] = c
		}
	}
	return out
}
