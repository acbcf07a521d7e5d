package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokensConcatenateInDeliveryOrder(t *testing.T) {
	c := NewConversation()
	c.AppendUserTurn("hello")
	c.BeginAssistantTurn()

	c.AppendToken("Hi")
	c.AppendToken(" there")

	turns := c.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "Hi there", turns[1].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.True(t, c.IsStreaming())

	c.EndTurn()
	assert.False(t, c.IsStreaming())
	assert.Equal(t, "Hi there", c.Turns()[1].Content)
}

func TestAppendUserTurnDoesNotTouchActiveTurn(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	active := c.ActiveTurnID()

	c.AppendUserTurn("interjection")
	assert.Equal(t, active, c.ActiveTurnID())
}

func TestTokenWithoutActiveTurnIsNoop(t *testing.T) {
	c := NewConversation()
	c.AppendUserTurn("hello")
	c.AppendToken("ghost")

	turns := c.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content)
}

func TestToolLifecycle(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()

	c.StartTool("t1", "search")
	turns := c.Turns()
	require.Len(t, turns[0].ToolInvocations, 1)
	assert.False(t, turns[0].ToolInvocations[0].Done())

	c.CompleteTool("t1", "3 results")
	turns = c.Turns()
	inv := turns[0].ToolInvocations[0]
	assert.Equal(t, "search", inv.Name)
	require.True(t, inv.Done())
	assert.Equal(t, "3 results", *inv.Output)
}

func TestToolOrderIsPreserved(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.StartTool("t1", "calc")
	c.StartTool("t2", "now")
	c.CompleteTool("t2", "noon")

	invs := c.Turns()[0].ToolInvocations
	require.Len(t, invs, 2)
	assert.Equal(t, "calc", invs[0].Name)
	assert.False(t, invs[0].Done())
	assert.Equal(t, "now", invs[1].Name)
	assert.True(t, invs[1].Done())
}

func TestCompleteToolUnknownCallIDIsNoop(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.StartTool("t1", "search")

	before := c.Turns()
	c.CompleteTool("nope", "output")
	assert.Equal(t, before, c.Turns())
}

func TestCompleteToolEmptyOutputStillCompletes(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.StartTool("t1", "search")
	c.CompleteTool("t1", "")

	inv := c.Turns()[0].ToolInvocations[0]
	require.True(t, inv.Done())
	assert.Equal(t, "", *inv.Output)
}

func TestFailTurnReplacesPartialContent(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.AppendToken("Work")

	c.FailTurn("rate limited")
	assert.False(t, c.IsStreaming())
	content := c.Turns()[0].Content
	assert.Contains(t, content, "rate limited")
	assert.NotContains(t, content, "Work")
}

func TestTurnIsImmutableAfterEnd(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.AppendToken("final")
	c.StartTool("t1", "search")
	c.EndTurn()

	c.AppendToken(" more")
	c.StartTool("t2", "other")
	c.CompleteTool("t1", "late")

	turn := c.Turns()[0]
	assert.Equal(t, "final", turn.Content)
	require.Len(t, turn.ToolInvocations, 1)
	assert.False(t, turn.ToolInvocations[0].Done())
}

func TestTurnsReturnsDeepCopies(t *testing.T) {
	c := NewConversation()
	c.BeginAssistantTurn()
	c.StartTool("t1", "search")
	c.CompleteTool("t1", "done")

	snapshot := c.Turns()
	snapshot[0].Content = "tampered"
	*snapshot[0].ToolInvocations[0].Output = "tampered"

	fresh := c.Turns()
	assert.Equal(t, "", fresh[0].Content)
	assert.Equal(t, "done", *fresh[0].ToolInvocations[0].Output)
}
