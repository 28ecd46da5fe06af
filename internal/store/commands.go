package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PendingConflictError carries the command that blocked a new one. It unwraps to ErrPendingExists.
type PendingConflictError struct {
	Existing *PendingCommand
}

func (e *PendingConflictError) Error() string {
	if e.Existing == nil {
		return ErrPendingExists.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPendingExists, e.Existing.RequestID)
}

func (e *PendingConflictError) Unwrap() error {
	return ErrPendingExists
}

// CreatePendingCommand inserts cmd. When another command for the device is already in sent or
// waiting the partial unique index rejects the insert and a *PendingConflictError is returned.
func (s *Store) CreatePendingCommand(ctx context.Context, cmd *PendingCommand) error {
	defer s.track("command_create")()
	if cmd.Status == "" {
		cmd.Status = CommandSent
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now()
	}

	err := s.db.WithContext(ctx).Create(cmd).Error
	if err == nil {
		return nil
	}
	if !isDuplicate(err) {
		return fmt.Errorf("failed to create pending command: %w", err)
	}

	existing, lookupErr := s.FindPendingCommand(ctx, cmd.DeviceID)
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return fmt.Errorf("failed to load conflicting command: %w", lookupErr)
	}
	return &PendingConflictError{Existing: existing}
}

// FindPendingCommand returns the command in sent or waiting for the device.
func (s *Store) FindPendingCommand(ctx context.Context, deviceID string) (*PendingCommand, error) {
	var cmd PendingCommand
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status IN ?", deviceID, PendingStatuses).
		Order("created_at DESC").
		First(&cmd).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// GetCommand loads a command by request id.
func (s *Store) GetCommand(ctx context.Context, requestID string) (*PendingCommand, error) {
	var cmd PendingCommand
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&cmd).Error; err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// LatestCommand returns the most recently created command for the device.
func (s *Store) LatestCommand(ctx context.Context, deviceID string) (*PendingCommand, error) {
	var cmd PendingCommand
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Order("id DESC").
		First(&cmd).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// Resolution is the terminal outcome written onto a pending command.
type Resolution struct {
	Response *ReportedState
	Error    *string
	Status   CommandStatus
}

// ResolvePendingCommand moves the command from sent or waiting to a terminal status.
// It returns false when the command was no longer pending, so a duplicate or late report never
// rewrites an already terminal row.
func (s *Store) ResolvePendingCommand(ctx context.Context, requestID string, r Resolution) (bool, error) {
	defer s.track("command_resolve")()
	now := s.now()
	res := s.db.WithContext(ctx).Model(&PendingCommand{}).
		Where("request_id = ? AND status IN ?", requestID, PendingStatuses).
		Updates(map[string]any{
			"status":         r.Status,
			"response_state": r.Response,
			"error":          r.Error,
			"ack_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to resolve command %s: %w", requestID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FailPendingCommand marks a pending command failed with reason.
func (s *Store) FailPendingCommand(ctx context.Context, requestID, reason string) (bool, error) {
	defer s.track("command_fail")()
	res := s.db.WithContext(ctx).Model(&PendingCommand{}).
		Where("request_id = ? AND status IN ?", requestID, PendingStatuses).
		Updates(map[string]any{"status": CommandFailed, "error": reason})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark command %s failed: %w", requestID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// StalePendingCommands returns pending commands created before the cutoff.
func (s *Store) StalePendingCommands(ctx context.Context, cutoff time.Time) ([]PendingCommand, error) {
	var cmds []PendingCommand
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", PendingStatuses, cutoff).
		Order("created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stale commands: %w", err)
	}
	return cmds, nil
}
