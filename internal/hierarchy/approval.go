package hierarchy

import (
	"context"
	"fmt"

	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"go.uber.org/zap"
)

// ApproveRequest claims the pending request atomically, then runs the same
// promotion transaction as the scanner against the user's current stored
// rank, not the snapshot taken at request creation.
func (e *Engine) ApproveRequest(ctx context.Context, requestID int64, moderatorID string) error {
	req, err := e.store.GetPromotionRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrRequestNotFound
	}
	if req.Status != storage.RequestPending {
		return ErrAlreadyResolved
	}

	target, err := e.repo.Config(ctx, req.GuildID, req.TargetRoleID)
	if err != nil {
		return err
	}
	if target == nil || !e.dir.RoleExists(req.GuildID, req.TargetRoleID) {
		// The rank vanished while the request sat pending; close it out.
		if _, err := e.store.ResolvePromotionRequest(ctx, requestID, storage.RequestRejected, moderatorID, e.clock.Now()); err != nil {
			return err
		}
		if err := e.store.AddRankHistory(ctx, storage.RankHistory{
			GuildID:     req.GuildID,
			UserID:      req.UserID,
			Action:      storage.HistoryRejected,
			ToRoleID:    req.TargetRoleID,
			Reason:      "target rank no longer exists",
			PerformedBy: moderatorID,
			CreatedAt:   e.clock.Now(),
		}); err != nil {
			return err
		}
		return ErrRankRoleMissing
	}

	claimed, err := e.store.ResolvePromotionRequest(ctx, requestID, storage.RequestApproved, moderatorID, e.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyResolved
	}

	status, err := e.repo.Status(ctx, req.GuildID, req.UserID)
	if err != nil {
		return err
	}
	if status == nil {
		status = &storage.UserRankStatus{GuildID: req.GuildID, UserID: req.UserID}
	}

	reason := fmt.Sprintf("approved by request %d", requestID)
	if err := e.promote(ctx, status, *target, moderatorID, reason, req.Reason); err != nil {
		// The claim only exists to serialize concurrent moderators. If the
		// promotion itself did not go through (quota exhausted, standing
		// lost, role mutation failed) the request must stay retryable.
		if _, reopenErr := e.store.ReopenPromotionRequest(ctx, requestID, moderatorID); reopenErr != nil {
			e.logger.Error("failed to reopen promotion request",
				zap.Int64("request_id", requestID),
				zap.Error(reopenErr),
			)
		}
		e.logger.Error("approved promotion failed",
			zap.String("guild_id", req.GuildID),
			zap.String("user_id", req.UserID),
			zap.Int64("request_id", requestID),
			zap.Error(err),
		)
		return err
	}

	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, req.GuildID, req.UserID, audit.EventApprovalResolved,
			fmt.Sprintf("request %d approved by %s", requestID, moderatorID))
	}
	return nil
}

// RejectRequest moves the request to its terminal state without touching
// roles. The free-text reason lands in the history trail.
func (e *Engine) RejectRequest(ctx context.Context, requestID int64, moderatorID, reason string) error {
	req, err := e.store.GetPromotionRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrRequestNotFound
	}

	claimed, err := e.store.ResolvePromotionRequest(ctx, requestID, storage.RequestRejected, moderatorID, e.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyResolved
	}

	if reason == "" {
		reason = "rejected by moderator"
	}
	if err := e.store.AddRankHistory(ctx, storage.RankHistory{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		Action:      storage.HistoryRejected,
		FromRoleID:  req.CurrentRoleID,
		ToRoleID:    req.TargetRoleID,
		Reason:      reason,
		PerformedBy: moderatorID,
		CreatedAt:   e.clock.Now(),
	}); err != nil {
		return err
	}

	if e.audit != nil {
		e.audit.Log(ctx, audit.LevelInfo, req.GuildID, req.UserID, audit.EventApprovalResolved,
			fmt.Sprintf("request %d rejected by %s: %s", requestID, moderatorID, reason))
	}
	return nil
}

// PendingRequests lists a guild's unresolved requests, oldest first.
func (e *Engine) PendingRequests(ctx context.Context, guildID string) ([]storage.PromotionRequest, error) {
	return e.store.ListPendingRequests(ctx, guildID)
}

// Request loads a single request by id, nil when unknown.
func (e *Engine) Request(ctx context.Context, requestID int64) (*storage.PromotionRequest, error) {
	return e.store.GetPromotionRequest(ctx, requestID)
}
