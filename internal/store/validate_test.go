// ABOUTME: Tests for input validation rules
// ABOUTME: Table-driven checks of titles, settings, payloads and list parameters

package store

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		ok    bool
	}{
		{"simple", "Demo", true},
		{"empty", "", false},
		{"whitespace", " \t\n", false},
		{"at bound", strings.Repeat("a", 10), true},
		{"over bound", strings.Repeat("a", 11), false},
		{"multibyte at bound", strings.Repeat("日", 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTitle(tt.title, 10)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestValidateSettings(t *testing.T) {
	assert.NoError(t, validateSettings(DefaultSettings()))
	assert.NoError(t, validateSettings(ConversationSettings{Temperature: 0, MaxTokens: 1, RAGTopK: 1}))
	assert.NoError(t, validateSettings(ConversationSettings{Temperature: 2, MaxTokens: 1, RAGTopK: 1}))

	var ve *ValidationError
	err := validateSettings(ConversationSettings{Temperature: -0.1, MaxTokens: 1, RAGTopK: 1})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "settings.temperature", ve.Field)

	err = validateSettings(ConversationSettings{Temperature: 1, MaxTokens: 1, RAGTopK: 0})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "settings.rag_top_k", ve.Field)
}

func TestValidateConversationUpdate_SetAndClearKB(t *testing.T) {
	name := "docs"
	err := validateConversationUpdate(ConversationUpdate{KBName: &name, ClearKBName: true}, DefaultMaxTitleLength)
	assert.ErrorIs(t, err, ErrValidation)

	blank := ""
	err = validateConversationUpdate(ConversationUpdate{Model: &blank}, DefaultMaxTitleLength)
	assert.ErrorIs(t, err, ErrValidation)

	assert.NoError(t, validateConversationUpdate(ConversationUpdate{}, DefaultMaxTitleLength))
}

func TestValidateNewExecution(t *testing.T) {
	valid := NewAgentExecution{ConversationID: "c1", Query: "q"}
	assert.NoError(t, validateNewExecution(valid))

	withNullStep := valid
	withNullStep.Steps = []json.RawMessage{nil}
	assert.ErrorIs(t, validateNewExecution(withNullStep), ErrValidation)

	withBadStep := valid
	withBadStep.Steps = []json.RawMessage{json.RawMessage(`{`)}
	assert.ErrorIs(t, validateNewExecution(withBadStep), ErrValidation)

	negative := valid
	negative.Iterations = -1
	assert.ErrorIs(t, validateNewExecution(negative), ErrValidation)

	blankTool := valid
	blankTool.ToolsUsed = []string{"search", ""}
	err := validateNewExecution(blankTool)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tools_used[1]", ve.Field)
}

func TestValidateNewToolExecution(t *testing.T) {
	tool := NewToolExecution{AgentExecutionID: "e1", ToolName: "search", Input: json.RawMessage(`{"q":1}`)}
	assert.NoError(t, validateNewToolExecution(tool, true))

	noParent := tool
	noParent.AgentExecutionID = ""
	assert.ErrorIs(t, validateNewToolExecution(noParent, true), ErrValidation)
	assert.NoError(t, validateNewToolExecution(noParent, false))

	badOutput := tool
	badOutput.Output = json.RawMessage(`nope`)
	assert.ErrorIs(t, validateNewToolExecution(badOutput, true), ErrValidation)
}

func TestListConversationsParams_Normalized(t *testing.T) {
	p, err := ListConversationsParams{}.normalized()
	require.NoError(t, err)
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, OrderByUpdatedAt, p.OrderBy)

	p, err = ListConversationsParams{Limit: 5000}.normalized()
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Limit)

	_, err = ListConversationsParams{Offset: -1}.normalized()
	assert.ErrorIs(t, err, ErrValidation)
}
