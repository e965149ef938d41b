package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

const (
	HistoryPromoted = "promoted"
	HistoryDemoted  = "demoted"
	HistoryAdopted  = "adopted"
	HistoryCleared  = "cleared"
	HistoryRejected = "rejected"
)

type RankConfig struct {
	GuildID             string
	RoleID              string
	LevelOrder          int
	MaxVacancies        int
	IsAdminRank         bool
	AutoPromote         bool
	RequiresApproval    bool
	ExpiryDays          int
	ReqMessages         int64
	ReqCallTimeSeconds  int64
	ReqReactions        int64
	ReqMinDaysInServer  int
	ReqMinDaysInRole    int
	ReqOtherRoleIDs     []string
	ReqMinAny           int
	VacancyPriority     string
	CheckFrequencyHours int
}

type UserRankStatus struct {
	GuildID                string
	UserID                 string
	CurrentRoleID          string
	PromotedAt             *time.Time
	LastPromotionCheck     *time.Time
	IgnoreAutoPromoteUntil *time.Time
	IgnoreAutoDemoteUntil  *time.Time
	PromotionCooldownUntil *time.Time
	ExpiryDate             *time.Time
}

type PromotionRequest struct {
	ID            int64
	GuildID       string
	UserID        string
	CurrentRoleID string
	TargetRoleID  string
	RequestType   string
	RequestedBy   string
	Reason        string
	Status        string
	MessageID     string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
}

type RankHistory struct {
	ID          int64
	GuildID     string
	UserID      string
	Action      string
	FromRoleID  string
	ToRoleID    string
	Reason      string
	Details     string
	PerformedBy string
	CreatedAt   time.Time
}

func (s *Store) UpsertRankConfig(ctx context.Context, cfg RankConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rank_configs (
			guild_id, role_id, level_order, max_vacancies, is_admin_rank,
			auto_promote, requires_approval, expiry_days, req_messages,
			req_call_time_seconds, req_reactions, req_min_days_in_server,
			req_min_days_in_role, req_min_any, vacancy_priority, check_frequency_hours
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, role_id) DO UPDATE SET
			level_order = excluded.level_order,
			max_vacancies = excluded.max_vacancies,
			is_admin_rank = excluded.is_admin_rank,
			auto_promote = excluded.auto_promote,
			requires_approval = excluded.requires_approval,
			expiry_days = excluded.expiry_days,
			req_messages = excluded.req_messages,
			req_call_time_seconds = excluded.req_call_time_seconds,
			req_reactions = excluded.req_reactions,
			req_min_days_in_server = excluded.req_min_days_in_server,
			req_min_days_in_role = excluded.req_min_days_in_role,
			req_min_any = excluded.req_min_any,
			vacancy_priority = excluded.vacancy_priority,
			check_frequency_hours = excluded.check_frequency_hours
	`,
		cfg.GuildID, cfg.RoleID, cfg.LevelOrder, cfg.MaxVacancies, boolToInt(cfg.IsAdminRank),
		boolToInt(cfg.AutoPromote), boolToInt(cfg.RequiresApproval), cfg.ExpiryDays, cfg.ReqMessages,
		cfg.ReqCallTimeSeconds, cfg.ReqReactions, cfg.ReqMinDaysInServer,
		cfg.ReqMinDaysInRole, cfg.ReqMinAny, cfg.VacancyPriority, cfg.CheckFrequencyHours,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM rank_requirement_roles WHERE guild_id = ? AND role_id = ?`, cfg.GuildID, cfg.RoleID)
	if err != nil {
		return err
	}
	for _, required := range cfg.ReqOtherRoleIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO rank_requirement_roles (guild_id, role_id, required_role_id)
			VALUES (?, ?, ?)
		`, cfg.GuildID, cfg.RoleID, required)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetRankConfig(ctx context.Context, guildID, roleID string) (*RankConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, role_id, level_order, max_vacancies, is_admin_rank,
		auto_promote, requires_approval, expiry_days, req_messages,
		req_call_time_seconds, req_reactions, req_min_days_in_server,
		req_min_days_in_role, req_min_any, vacancy_priority, check_frequency_hours
		FROM rank_configs WHERE guild_id = ? AND role_id = ?
	`, guildID, roleID)

	cfg, err := scanRankConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadRequirementRoles(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) ListRankConfigs(ctx context.Context, guildID string) ([]RankConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, role_id, level_order, max_vacancies, is_admin_rank,
		auto_promote, requires_approval, expiry_days, req_messages,
		req_call_time_seconds, req_reactions, req_min_days_in_server,
		req_min_days_in_role, req_min_any, vacancy_priority, check_frequency_hours
		FROM rank_configs WHERE guild_id = ? ORDER BY level_order
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []RankConfig
	for rows.Next() {
		cfg, err := scanRankConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range configs {
		if err := s.loadRequirementRoles(ctx, &configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

func (s *Store) DeleteRankConfig(ctx context.Context, guildID, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `DELETE FROM rank_configs WHERE guild_id = ? AND role_id = ?`, guildID, roleID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM rank_requirement_roles WHERE guild_id = ? AND role_id = ?`, guildID, roleID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRankConfig(row rowScanner) (*RankConfig, error) {
	var cfg RankConfig
	var isAdmin, autoPromote, requiresApproval int
	err := row.Scan(
		&cfg.GuildID, &cfg.RoleID, &cfg.LevelOrder, &cfg.MaxVacancies, &isAdmin,
		&autoPromote, &requiresApproval, &cfg.ExpiryDays, &cfg.ReqMessages,
		&cfg.ReqCallTimeSeconds, &cfg.ReqReactions, &cfg.ReqMinDaysInServer,
		&cfg.ReqMinDaysInRole, &cfg.ReqMinAny, &cfg.VacancyPriority, &cfg.CheckFrequencyHours,
	)
	if err != nil {
		return nil, err
	}
	cfg.IsAdminRank = intToBool(isAdmin)
	cfg.AutoPromote = intToBool(autoPromote)
	cfg.RequiresApproval = intToBool(requiresApproval)
	return &cfg, nil
}

func (s *Store) loadRequirementRoles(ctx context.Context, cfg *RankConfig) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT required_role_id FROM rank_requirement_roles
		WHERE guild_id = ? AND role_id = ? ORDER BY required_role_id
	`, cfg.GuildID, cfg.RoleID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return err
		}
		cfg.ReqOtherRoleIDs = append(cfg.ReqOtherRoleIDs, roleID)
	}
	return rows.Err()
}

func (s *Store) GetUserStatus(ctx context.Context, guildID, userID string) (*UserRankStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, user_id, current_role_id, promoted_at, last_promotion_check,
		ignore_auto_promote_until, ignore_auto_demote_until, promotion_cooldown_until, expiry_date
		FROM user_rank_status WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)

	var status UserRankStatus
	var promotedAt, lastCheck, ignorePromote, ignoreDemote, cooldown, expiry sql.NullInt64
	err := row.Scan(
		&status.GuildID, &status.UserID, &status.CurrentRoleID,
		&promotedAt, &lastCheck, &ignorePromote, &ignoreDemote, &cooldown, &expiry,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	status.PromotedAt = unixPtr(promotedAt)
	status.LastPromotionCheck = unixPtr(lastCheck)
	status.IgnoreAutoPromoteUntil = unixPtr(ignorePromote)
	status.IgnoreAutoDemoteUntil = unixPtr(ignoreDemote)
	status.PromotionCooldownUntil = unixPtr(cooldown)
	status.ExpiryDate = unixPtr(expiry)
	return &status, nil
}

func (s *Store) UpsertUserStatus(ctx context.Context, status UserRankStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_rank_status (
			guild_id, user_id, current_role_id, promoted_at, last_promotion_check,
			ignore_auto_promote_until, ignore_auto_demote_until, promotion_cooldown_until, expiry_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			current_role_id = excluded.current_role_id,
			promoted_at = excluded.promoted_at,
			last_promotion_check = excluded.last_promotion_check,
			ignore_auto_promote_until = excluded.ignore_auto_promote_until,
			ignore_auto_demote_until = excluded.ignore_auto_demote_until,
			promotion_cooldown_until = excluded.promotion_cooldown_until,
			expiry_date = excluded.expiry_date
	`,
		status.GuildID, status.UserID, status.CurrentRoleID,
		nullableUnix(status.PromotedAt), nullableUnix(status.LastPromotionCheck),
		nullableUnix(status.IgnoreAutoPromoteUntil), nullableUnix(status.IgnoreAutoDemoteUntil),
		nullableUnix(status.PromotionCooldownUntil), nullableUnix(status.ExpiryDate),
	)
	return err
}

func (s *Store) ListUserStatuses(ctx context.Context, guildID string) ([]UserRankStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, user_id, current_role_id, promoted_at, last_promotion_check,
		ignore_auto_promote_until, ignore_auto_demote_until, promotion_cooldown_until, expiry_date
		FROM user_rank_status WHERE guild_id = ?
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []UserRankStatus
	for rows.Next() {
		var status UserRankStatus
		var promotedAt, lastCheck, ignorePromote, ignoreDemote, cooldown, expiry sql.NullInt64
		err := rows.Scan(
			&status.GuildID, &status.UserID, &status.CurrentRoleID,
			&promotedAt, &lastCheck, &ignorePromote, &ignoreDemote, &cooldown, &expiry,
		)
		if err != nil {
			return nil, err
		}
		status.PromotedAt = unixPtr(promotedAt)
		status.LastPromotionCheck = unixPtr(lastCheck)
		status.IgnoreAutoPromoteUntil = unixPtr(ignorePromote)
		status.IgnoreAutoDemoteUntil = unixPtr(ignoreDemote)
		status.PromotionCooldownUntil = unixPtr(cooldown)
		status.ExpiryDate = unixPtr(expiry)
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func (s *Store) CreatePromotionRequest(ctx context.Context, req *PromotionRequest) error {
	if req.Status == "" {
		req.Status = RequestPending
	}
	if req.RequestType == "" {
		req.RequestType = "auto"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO promotion_requests (
			guild_id, user_id, current_role_id, target_role_id, request_type,
			requested_by, reason, status, message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		req.GuildID, req.UserID, req.CurrentRoleID, req.TargetRoleID, req.RequestType,
		req.RequestedBy, req.Reason, req.Status, req.MessageID, req.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	req.ID, err = result.LastInsertId()
	return err
}

func (s *Store) GetPromotionRequest(ctx context.Context, id int64) (*PromotionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, user_id, current_role_id, target_role_id, request_type,
		requested_by, reason, status, message_id, created_at, resolved_at, resolved_by
		FROM promotion_requests WHERE id = ?
	`, id)

	var req PromotionRequest
	var created int64
	var resolvedAt sql.NullInt64
	err := row.Scan(
		&req.ID, &req.GuildID, &req.UserID, &req.CurrentRoleID, &req.TargetRoleID, &req.RequestType,
		&req.RequestedBy, &req.Reason, &req.Status, &req.MessageID, &created, &resolvedAt, &req.ResolvedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	req.CreatedAt = time.Unix(created, 0)
	req.ResolvedAt = unixPtr(resolvedAt)
	return &req, nil
}

// ResolvePromotionRequest flips a pending request into a terminal state.
// Returns false when the request was already resolved or does not exist.
func (s *Store) ResolvePromotionRequest(ctx context.Context, id int64, status, resolvedBy string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE promotion_requests
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, resolvedBy, at.Unix(), id, RequestPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReopenPromotionRequest reverts an approved claim back to pending so the
// request can be retried. Guarded on the claiming moderator so it never
// undoes a resolution made by someone else.
func (s *Store) ReopenPromotionRequest(ctx context.Context, id int64, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE promotion_requests
		SET status = ?, resolved_by = '', resolved_at = NULL
		WHERE id = ? AND status = ? AND resolved_by = ?
	`, RequestPending, id, RequestApproved, resolvedBy)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) SetPromotionRequestMessage(ctx context.Context, id int64, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE promotion_requests SET message_id = ? WHERE id = ?`, messageID, id)
	return err
}

func (s *Store) ListPendingRequests(ctx context.Context, guildID string) ([]PromotionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, current_role_id, target_role_id, request_type,
		requested_by, reason, status, message_id, created_at, resolved_at, resolved_by
		FROM promotion_requests WHERE guild_id = ? AND status = ? ORDER BY created_at
	`, guildID, RequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []PromotionRequest
	for rows.Next() {
		var req PromotionRequest
		var created int64
		var resolvedAt sql.NullInt64
		err := rows.Scan(
			&req.ID, &req.GuildID, &req.UserID, &req.CurrentRoleID, &req.TargetRoleID, &req.RequestType,
			&req.RequestedBy, &req.Reason, &req.Status, &req.MessageID, &created, &resolvedAt, &req.ResolvedBy,
		)
		if err != nil {
			return nil, err
		}
		req.CreatedAt = time.Unix(created, 0)
		req.ResolvedAt = unixPtr(resolvedAt)
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *Store) AddRankHistory(ctx context.Context, entry RankHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rank_history (
			guild_id, user_id, action, from_role_id, to_role_id,
			reason, details, performed_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.GuildID, entry.UserID, entry.Action, entry.FromRoleID, entry.ToRoleID,
		entry.Reason, entry.Details, entry.PerformedBy, entry.CreatedAt.Unix(),
	)
	return err
}

// LatestRankHistory returns the newest entry matching (user, action, target role),
// or nil when none exists.
func (s *Store) LatestRankHistory(ctx context.Context, guildID, userID, action, toRoleID string) (*RankHistory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, user_id, action, from_role_id, to_role_id,
		reason, details, performed_by, created_at
		FROM rank_history
		WHERE guild_id = ? AND user_id = ? AND action = ? AND to_role_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, guildID, userID, action, toRoleID)

	var entry RankHistory
	var created int64
	err := row.Scan(
		&entry.ID, &entry.GuildID, &entry.UserID, &entry.Action, &entry.FromRoleID, &entry.ToRoleID,
		&entry.Reason, &entry.Details, &entry.PerformedBy, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	entry.CreatedAt = time.Unix(created, 0)
	return &entry, nil
}

func (s *Store) ListRankHistory(ctx context.Context, guildID, userID string, limit int) ([]RankHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, action, from_role_id, to_role_id,
		reason, details, performed_by, created_at
		FROM rank_history
		WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RankHistory
	for rows.Next() {
		var entry RankHistory
		var created int64
		err := rows.Scan(
			&entry.ID, &entry.GuildID, &entry.UserID, &entry.Action, &entry.FromRoleID, &entry.ToRoleID,
			&entry.Reason, &entry.Details, &entry.PerformedBy, &created,
		)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = time.Unix(created, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
