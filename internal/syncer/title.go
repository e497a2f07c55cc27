package syncer

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
)

// MaintainTitle replaces a placeholder or clearly truncated title with one
// derived from messages.
func (e *Engine) MaintainTitle(ctx context.Context, persistentID string, messages []model.Message) error {
	title, summary := model.DeriveTitle(messages)
	if model.IsPlaceholderTitle(title) {
		return nil
	}
	record, err := e.api.GetThread(ctx, persistentID)
	if err != nil {
		return err
	}
	if !model.TitleNeedsUpdate(record.Title, title) {
		return nil
	}
	req := persistent.UpdateThreadRequest{Title: &title}
	if summary != "" && summary != record.Summary {
		req.Summary = &summary
	}
	if _, err := e.api.UpdateThread(ctx, persistentID, req); err != nil {
		return err
	}
	log.Debug("Updated thread title", "persistentId", persistentID, "title", title)
	return nil
}
