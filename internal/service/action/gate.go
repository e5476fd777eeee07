package action

import "mailpilot/internal/model"

// Gate 按用户偏好把原始动作降级为安全的有效动作。
// 对任何输入都返回唯一结果，不会出错。
func Gate(raw model.ActionType, prefs model.Preferences) model.ActionType {
	switch {
	case raw.IsDraft():
		if !prefs.DraftGeneration {
			return model.ActionKeepInInbox
		}
		return raw
	case raw.IsSilent():
		if sub, ok := raw.SubPreference(); ok && !prefs.SilentEnabled(sub) {
			return model.ActionKeepInInbox
		}
		return raw
	case raw == model.ActionKeepInInbox, raw == model.ActionReplyNeeded, raw == model.ActionSent:
		return raw
	}
	// pending 或未知值不能作为最终动作
	return model.ActionKeepInInbox
}

// Route 把有效动作映射到目标文件夹。除收件箱、草稿箱、已发送外都加 RootFolder 前缀。
func Route(effective model.ActionType, folders model.FolderPreferences) string {
	f := folders.WithDefaults()

	switch {
	case effective.IsDraft():
		return f.DraftsFolder
	case effective == model.ActionSent:
		return f.SentFolder
	}

	var folder string
	switch effective {
	case model.ActionSilentFyi:
		folder = f.FyiFolder
	case model.ActionSilentLargeList:
		folder = f.LargeListFolder
	case model.ActionSilentUnsubscribe:
		folder = f.UnsubscribeFolder
	case model.ActionSilentTodo:
		folder = f.TodoFolder
	case model.ActionSilentSpam:
		folder = f.SpamFolder
	default:
		return f.InboxFolder
	}

	if f.RootFolder != "" {
		return f.RootFolder + "/" + folder
	}
	return folder
}
