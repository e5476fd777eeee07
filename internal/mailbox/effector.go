package mailbox

import (
	"context"
	"fmt"
	"time"

	"mailpilot/internal/model"
)

// ApplyRequest 一次邮箱操作所需的全部输入
type ApplyRequest struct {
	Action      model.ActionType
	UID         uint32
	Folder      string
	Destination string
	Draft       *model.Draft
	// 草稿的 From 地址（账号地址）
	From string
}

// Effector 执行不可逆的邮箱操作：移动原邮件或上传回复草稿
type Effector struct {
	now func() time.Time
}

func NewEffector() *Effector {
	return &Effector{now: time.Now}
}

// Apply 失败直接返回错误，调用方保留已提交的记录以便重放
func (e *Effector) Apply(ctx context.Context, session Session, req ApplyRequest) (model.EffectOutcome, error) {
	out := model.EffectOutcome{Destination: req.Destination}

	if req.Action.IsDraft() {
		if req.Draft == nil {
			return out, fmt.Errorf("draft action %s without draft content: %w", req.Action, model.ErrValidation)
		}
		mime, err := ComposeDraft(req.From, req.Draft, e.now())
		if err != nil {
			return out, err
		}
		if err := session.AppendDraft(ctx, req.Destination, mime); err != nil {
			return out, err
		}
		out.Description = fmt.Sprintf("draft uploaded to %s", req.Destination)
		return out, nil
	}

	if req.Destination == "" || req.Destination == req.Folder {
		out.Destination = req.Folder
		out.Description = fmt.Sprintf("left in %s", req.Folder)
		return out, nil
	}

	if err := session.Move(ctx, req.UID, req.Folder, req.Destination); err != nil {
		return out, err
	}
	out.Moved = true
	out.Description = fmt.Sprintf("moved to %s", req.Destination)
	return out, nil
}
