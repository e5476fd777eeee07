package outbox

import (
	"context"
	"fmt"
)

// ReplayService 重新发布失败的 Outbox 事件
type ReplayService struct {
	repo       *Repository
	publisher  Publisher
	maxRetries int
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository, publisher Publisher, maxRetries int) *ReplayService {
	return &ReplayService{repo: repo, publisher: publisher, maxRetries: maxRetries}
}

// ReplayEvent 立即重放指定事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}

	if err := publishEvent(ctx, s.publisher, event); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, eventID, s.maxRetries); markErr != nil {
			return fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return err
	}

	return s.repo.MarkAsSent(ctx, eventID)
}

// ReplayFailedEvents 重放所有失败的事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}
