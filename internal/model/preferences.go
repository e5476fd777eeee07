package model

import "strings"

// 默认文件夹名
const (
	DefaultInboxFolder       = "INBOX"
	DefaultDraftsFolder      = "Drafts"
	DefaultSpamFolder        = "Spam"
	DefaultFyiFolder         = "FYI"
	DefaultLargeListFolder   = "Lists"
	DefaultUnsubscribeFolder = "Unsubscribe"
	DefaultTodoFolder        = "Todo"
	DefaultSentFolder        = "Sent"
)

// FolderPreferences 用户的文件夹配置
type FolderPreferences struct {
	RootFolder        string `json:"root_folder,omitempty"`
	InboxFolder       string `json:"inbox_folder,omitempty"`
	DraftsFolder      string `json:"drafts_folder,omitempty"`
	SpamFolder        string `json:"spam_folder,omitempty"`
	FyiFolder         string `json:"fyi_folder,omitempty"`
	LargeListFolder   string `json:"large_list_folder,omitempty"`
	UnsubscribeFolder string `json:"unsubscribe_folder,omitempty"`
	TodoFolder        string `json:"todo_folder,omitempty"`
	SentFolder        string `json:"sent_folder,omitempty"`
}

// WithDefaults 空字段填默认值
func (f FolderPreferences) WithDefaults() FolderPreferences {
	f.RootFolder = strings.Trim(strings.TrimSpace(f.RootFolder), "/")
	f.InboxFolder = orDefault(f.InboxFolder, DefaultInboxFolder)
	f.DraftsFolder = orDefault(f.DraftsFolder, DefaultDraftsFolder)
	f.SpamFolder = orDefault(f.SpamFolder, DefaultSpamFolder)
	f.FyiFolder = orDefault(f.FyiFolder, DefaultFyiFolder)
	f.LargeListFolder = orDefault(f.LargeListFolder, DefaultLargeListFolder)
	f.UnsubscribeFolder = orDefault(f.UnsubscribeFolder, DefaultUnsubscribeFolder)
	f.TodoFolder = orDefault(f.TodoFolder, DefaultTodoFolder)
	f.SentFolder = orDefault(f.SentFolder, DefaultSentFolder)
	return f
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// RelationshipConfig 用户配置的关系匹配
type RelationshipConfig struct {
	WorkDomain      string   `json:"work_domain,omitempty"`
	SpouseEmails    []string `json:"spouse_emails,omitempty"`
	FamilyEmails    []string `json:"family_emails,omitempty"`
	ColleagueEmails []string `json:"colleague_emails,omitempty"`
	FriendEmails    []string `json:"friend_emails,omitempty"`
}

// Preferences 用户偏好
type Preferences struct {
	DraftGeneration   bool                      `json:"draft_generation"`
	SpamDetection     bool                      `json:"spam_detection"`
	SilentActions     map[SilentPreference]bool `json:"silent_actions,omitempty"`
	Folders           FolderPreferences         `json:"folders"`
	Relationship      RelationshipConfig        `json:"relationship"`
	InferenceProvider string                    `json:"inference_provider,omitempty"`
}

// DefaultPreferences 新用户的默认偏好
func DefaultPreferences() Preferences {
	return Preferences{
		DraftGeneration: true,
		SpamDetection:   true,
		SilentActions: map[SilentPreference]bool{
			SilentFyiOnly:     true,
			SilentLargeList:   true,
			SilentUnsubscribe: true,
			SilentTodo:        true,
		},
		Folders: FolderPreferences{}.WithDefaults(),
	}
}

// SilentEnabled 未配置的子开关视为开启
func (p Preferences) SilentEnabled(pref SilentPreference) bool {
	enabled, ok := p.SilentActions[pref]
	return !ok || enabled
}
