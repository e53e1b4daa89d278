package sync

import (
	"errors"

	"github.com/matheus3301/formachat/internal/chat"
	"github.com/matheus3301/formachat/internal/store"
	"go.uber.org/zap"
)

// ErrSuperseded is returned by Open when another conversation was selected
// before the requested history arrived. The page is discarded.
var ErrSuperseded = errors.New("conversation changed before its history arrived")

// Reconciler merges fetched history pages into the store.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(s *store.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: s, logger: logger}
}

// ApplyHistory installs page as the open list of conversationID if that
// conversation is still active. Messages pushed live since selection survive.
func (r *Reconciler) ApplyHistory(conversationID string, page []chat.Message) error {
	if !r.store.ApplyHistory(conversationID, page) {
		r.logger.Info("discarding stale history",
			zap.String("conversation_id", conversationID),
			zap.String("active_id", r.store.ActiveID()),
			zap.Int("messages", len(page)))
		return ErrSuperseded
	}
	r.logger.Debug("history applied",
		zap.String("conversation_id", conversationID),
		zap.Int("page", len(page)),
		zap.Int("shown", len(r.store.Messages())))
	return nil
}
