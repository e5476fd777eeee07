package action

import (
	"testing"

	"mailpilot/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestGate_DraftGenerationDisabled(t *testing.T) {
	prefs := model.DefaultPreferences()
	prefs.DraftGeneration = false

	for _, a := range []model.ActionType{model.ActionReply, model.ActionReplyAll, model.ActionForward, model.ActionForwardWithComment} {
		assert.Equal(t, model.ActionKeepInInbox, Gate(a, prefs), a)
	}
	assert.Equal(t, model.ActionSilentFyi, Gate(model.ActionSilentFyi, prefs))
}

func TestGate_SilentSubPreference(t *testing.T) {
	prefs := model.DefaultPreferences()
	prefs.SilentActions[model.SilentLargeList] = false

	assert.Equal(t, model.ActionKeepInInbox, Gate(model.ActionSilentLargeList, prefs))
	assert.Equal(t, model.ActionSilentTodo, Gate(model.ActionSilentTodo, prefs))
	// silent-spam 不受子开关影响
	assert.Equal(t, model.ActionSilentSpam, Gate(model.ActionSilentSpam, prefs))
}

func TestGate_NeverEscalates(t *testing.T) {
	prefs := model.DefaultPreferences()
	prefs.DraftGeneration = false
	for k := range prefs.SilentActions {
		prefs.SilentActions[k] = false
	}

	for _, raw := range append(model.AllActions(), "bogus") {
		got := Gate(raw, prefs)
		assert.NotEqual(t, model.ActionPending, got, raw)
		if got != raw {
			assert.Equal(t, model.ActionKeepInInbox, got, raw)
		}
		assert.False(t, got.IsDraft(), raw)
	}
}

func TestRoute(t *testing.T) {
	folders := model.FolderPreferences{RootFolder: "Mailpilot"}

	tests := []struct {
		action model.ActionType
		want   string
	}{
		{model.ActionReply, "Drafts"},
		{model.ActionForwardWithComment, "Drafts"},
		{model.ActionSilentFyi, "Mailpilot/FYI"},
		{model.ActionSilentLargeList, "Mailpilot/Lists"},
		{model.ActionSilentUnsubscribe, "Mailpilot/Unsubscribe"},
		{model.ActionSilentTodo, "Mailpilot/Todo"},
		{model.ActionSilentSpam, "Mailpilot/Spam"},
		{model.ActionKeepInInbox, "INBOX"},
		{model.ActionReplyNeeded, "INBOX"},
		{model.ActionSent, "Sent"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Route(tt.action, folders), tt.action)
	}

	assert.Equal(t, "Spam", Route(model.ActionSilentSpam, model.FolderPreferences{}))
}
