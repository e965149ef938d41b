package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type UserActivity struct {
	GuildID           string
	UserID            string
	MessageCount      int64
	ReactionsGiven    int64
	ReactionsReceived int64
	LastActiveAt      time.Time
}

func (s *Store) RecordMessage(ctx context.Context, guildID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (guild_id, user_id, message_count, last_active_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			message_count = message_count + 1,
			last_active_at = excluded.last_active_at
	`, guildID, userID, at.Unix())
	return err
}

func (s *Store) RecordReactionGiven(ctx context.Context, guildID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (guild_id, user_id, reactions_given, last_active_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			reactions_given = reactions_given + 1,
			last_active_at = excluded.last_active_at
	`, guildID, userID, at.Unix())
	return err
}

// TouchActivity refreshes last_active_at without bumping any counter. Used
// for presence signals like joining a voice channel.
func (s *Store) TouchActivity(ctx context.Context, guildID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (guild_id, user_id, last_active_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			last_active_at = excluded.last_active_at
	`, guildID, userID, at.Unix())
	return err
}

func (s *Store) RecordReactionReceived(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (guild_id, user_id, reactions_received)
		VALUES (?, ?, 1)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			reactions_received = reactions_received + 1
	`, guildID, userID)
	return err
}

func (s *Store) GetUserActivity(ctx context.Context, guildID, userID string) (UserActivity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guild_id, user_id, message_count, reactions_given, reactions_received, last_active_at
		FROM user_activity WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)

	var activity UserActivity
	var lastActive int64
	err := row.Scan(
		&activity.GuildID, &activity.UserID, &activity.MessageCount,
		&activity.ReactionsGiven, &activity.ReactionsReceived, &lastActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserActivity{GuildID: guildID, UserID: userID}, nil
		}
		return UserActivity{}, err
	}
	activity.LastActiveAt = time.Unix(lastActive, 0)
	return activity, nil
}

func (s *Store) ActiveUserIDs(ctx context.Context, guildID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_activity
		WHERE guild_id = ? AND last_active_at >= ?
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (s *Store) AddVoiceSeconds(ctx context.Context, guildID, userID string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_time (guild_id, user_id, total_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			total_seconds = total_seconds + excluded.total_seconds
	`, guildID, userID, seconds)
	return err
}

func (s *Store) GetVoiceSeconds(ctx context.Context, guildID, userID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT total_seconds FROM voice_time WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)

	var seconds int64
	if err := row.Scan(&seconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seconds, nil
}

func (s *Store) RecordAction(ctx context.Context, guildID, actionType string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_actions (guild_id, action_type, created_at)
		VALUES (?, ?, ?)
	`, guildID, actionType, at.Unix())
	return err
}

func (s *Store) CountActions(ctx context.Context, guildID, actionType string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_actions
		WHERE guild_id = ? AND action_type = ? AND created_at >= ?
	`, guildID, actionType, since.Unix())

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CleanupActions(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_actions WHERE created_at < ?`, before.Unix())
	return err
}
