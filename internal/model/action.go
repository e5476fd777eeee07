package model

import (
	"fmt"
	"strings"
)

// ActionType 是处理一封邮件后的动作，封闭枚举
type ActionType string

const (
	ActionPending ActionType = "pending"

	// 需要生成回复草稿的动作
	ActionReply              ActionType = "reply"
	ActionReplyAll           ActionType = "reply-all"
	ActionForward            ActionType = "forward"
	ActionForwardWithComment ActionType = "forward-with-comment"

	// 静默归档的动作
	ActionSilentFyi         ActionType = "silent-fyi-only"
	ActionSilentLargeList   ActionType = "silent-large-list"
	ActionSilentUnsubscribe ActionType = "silent-unsubscribe"
	ActionSilentTodo        ActionType = "silent-todo"
	ActionSilentSpam        ActionType = "silent-spam"

	ActionKeepInInbox ActionType = "keep-in-inbox"
	ActionReplyNeeded ActionType = "reply-needed"
	ActionSent        ActionType = "sent"
)

// SilentPreference 是静默动作对应的用户子开关
type SilentPreference string

const (
	SilentFyiOnly     SilentPreference = "fyi_only"
	SilentLargeList   SilentPreference = "large_list"
	SilentUnsubscribe SilentPreference = "unsubscribe"
	SilentTodo        SilentPreference = "todo"
)

var allActions = []ActionType{
	ActionPending,
	ActionReply, ActionReplyAll, ActionForward, ActionForwardWithComment,
	ActionSilentFyi, ActionSilentLargeList, ActionSilentUnsubscribe, ActionSilentTodo, ActionSilentSpam,
	ActionKeepInInbox, ActionReplyNeeded, ActionSent,
}

// AllActions 返回全部动作
func AllActions() []ActionType {
	out := make([]ActionType, len(allActions))
	copy(out, allActions)
	return out
}

// ParseActionType 解析动作字符串，未知值返回 ErrValidation
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allActions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q: %w", s, ErrValidation)
}

func (a ActionType) String() string { return string(a) }

// IsDraft 需要上传回复草稿
func (a ActionType) IsDraft() bool {
	switch a {
	case ActionReply, ActionReplyAll, ActionForward, ActionForwardWithComment:
		return true
	}
	return false
}

// IsSilent 不生成草稿，直接移动到对应文件夹
func (a ActionType) IsSilent() bool {
	switch a {
	case ActionSilentFyi, ActionSilentLargeList, ActionSilentUnsubscribe, ActionSilentTodo, ActionSilentSpam:
		return true
	}
	return false
}

func (a ActionType) IsSpam() bool { return a == ActionSilentSpam }

// IsTerminal 非 pending 即视为已处理
func (a ActionType) IsTerminal() bool { return a != ActionPending && a != "" }

// SubPreference 返回静默动作对应的子开关；silent-spam 只受 spamDetection 控制
func (a ActionType) SubPreference() (SilentPreference, bool) {
	switch a {
	case ActionSilentFyi:
		return SilentFyiOnly, true
	case ActionSilentLargeList:
		return SilentLargeList, true
	case ActionSilentUnsubscribe:
		return SilentUnsubscribe, true
	case ActionSilentTodo:
		return SilentTodo, true
	}
	return "", false
}
