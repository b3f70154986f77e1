package sessionresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maratos-ai/orchestrator/pkg/redaction"
)

func TestResolveOrCreate_FirstCallCreatesSession(t *testing.T) {
	r := New(nil, nil)
	e := Envelope{ChannelKind: ChannelWeb, ExternalThreadID: "thread-1", SenderID: "u1"}

	resolved, err := r.ResolveOrCreate(e)
	require.NoError(t, err)
	assert.True(t, resolved.IsNew)
	assert.NotEmpty(t, resolved.SessionID)
}

func TestResolveOrCreate_SameThreadReturnsSameSession(t *testing.T) {
	r := New(nil, nil)
	e := Envelope{ChannelKind: ChannelMessagingA, ExternalThreadID: "thread-2"}

	first, err := r.ResolveOrCreate(e)
	require.NoError(t, err)

	second, err := r.ResolveOrCreate(e)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.IsNew)
}

func TestResolveOrCreate_DifferentChannelsAreDistinctSessions(t *testing.T) {
	r := New(nil, nil)
	web := Envelope{ChannelKind: ChannelWeb, ExternalThreadID: "shared-thread-id"}
	mail := Envelope{ChannelKind: ChannelMail, ExternalThreadID: "shared-thread-id"}

	webResolved, err := r.ResolveOrCreate(web)
	require.NoError(t, err)
	mailResolved, err := r.ResolveOrCreate(mail)
	require.NoError(t, err)

	assert.NotEqual(t, webResolved.SessionID, mailResolved.SessionID)
}

func TestPersistMessage_AppliesRedactionAndSetsFlag(t *testing.T) {
	r := New(nil, redaction.New(false))
	e := Envelope{ChannelKind: ChannelWeb, ExternalThreadID: "thread-3"}
	resolved, err := r.ResolveOrCreate(e)
	require.NoError(t, err)

	msg, err := r.PersistMessage(resolved.SessionID, RoleUser, "SSN on file: 123-45-6789", e)
	require.NoError(t, err)
	assert.True(t, msg.Redacted)
	assert.NotContains(t, msg.Content, "123-45-6789")
}

func TestPersistMessage_NoPipelineLeavesContentUntouched(t *testing.T) {
	r := New(nil, nil)
	e := Envelope{ChannelKind: ChannelWeb, ExternalThreadID: "thread-4"}
	resolved, err := r.ResolveOrCreate(e)
	require.NoError(t, err)

	msg, err := r.PersistMessage(resolved.SessionID, RoleAssistant, "plain response", e)
	require.NoError(t, err)
	assert.False(t, msg.Redacted)
	assert.Equal(t, "plain response", msg.Content)
}

func TestHistory_ReturnsMessagesInAppendOrder(t *testing.T) {
	r := New(nil, nil)
	e := Envelope{ChannelKind: ChannelWeb, ExternalThreadID: "thread-5"}
	resolved, err := r.ResolveOrCreate(e)
	require.NoError(t, err)

	_, err = r.PersistMessage(resolved.SessionID, RoleUser, "hello", e)
	require.NoError(t, err)
	_, err = r.PersistMessage(resolved.SessionID, RoleAssistant, "hi there", e)
	require.NoError(t, err)

	history, err := r.History(resolved.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "hi there", history[1].Content)
}
