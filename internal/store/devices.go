package store

import (
	"context"
	"fmt"
	"maps"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const upsertAttempts = 3

// MarkDeviceOnline sets online=true and stamps lastSeen and lastHeartbeat, creating the device
// on first sighting. The boolean result reports a false→true transition. The conditional
// UPDATE ... WHERE online = false lets only one concurrent caller observe the transition.
func (s *Store) MarkDeviceOnline(ctx context.Context, deviceID string, meta map[string]any) (*Device, bool, error) {
	defer s.track("device_online")()
	db := s.db.WithContext(ctx)
	now := s.now()

	transitioned := false
	for attempt := 0; ; attempt++ {
		res := db.Model(&Device{}).
			Where("device_id = ? AND online = ?", deviceID, false).
			Updates(map[string]any{
				"online":         true,
				"status":         StatusOnline,
				"last_seen":      now,
				"last_heartbeat": now,
			})
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to mark device online: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			transitioned = true
			break
		}

		res = db.Model(&Device{}).
			Where("device_id = ?", deviceID).
			Updates(map[string]any{"last_seen": now, "last_heartbeat": now})
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to refresh device: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			break
		}

		device := &Device{
			DeviceID:      deviceID,
			Online:        true,
			Status:        StatusOnline,
			LastSeen:      &now,
			LastHeartbeat: &now,
			Metadata:      datatypes.JSONMap{},
		}
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(device)
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to register device: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			transitioned = true
			break
		}
		if attempt >= upsertAttempts {
			return nil, false, fmt.Errorf("failed to upsert device %s after %d attempts", deviceID, upsertAttempts)
		}
	}

	if len(meta) > 0 {
		if err := s.mergeMetadata(ctx, deviceID, meta); err != nil {
			return nil, transitioned, err
		}
	}

	device, err := s.GetDevice(ctx, deviceID)
	return device, transitioned, err
}

// MarkDeviceOffline sets online=false. Unknown devices are registered offline.
// The boolean result reports a true→false transition.
func (s *Store) MarkDeviceOffline(ctx context.Context, deviceID string) (*Device, bool, error) {
	defer s.track("device_offline")()
	db := s.db.WithContext(ctx)

	res := db.Model(&Device{}).
		Where("device_id = ? AND online = ?", deviceID, true).
		Updates(map[string]any{"online": false, "status": StatusOffline})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to mark device offline: %w", res.Error)
	}
	transitioned := res.RowsAffected > 0

	if !transitioned {
		device := &Device{DeviceID: deviceID, Status: StatusOffline, Metadata: datatypes.JSONMap{}}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(device).Error; err != nil {
			return nil, false, fmt.Errorf("failed to register device: %w", err)
		}
	}

	device, err := s.GetDevice(ctx, deviceID)
	return device, transitioned, err
}

func (s *Store) mergeMetadata(ctx context.Context, deviceID string, meta map[string]any) error {
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	merged := datatypes.JSONMap{}
	maps.Copy(merged, device.Metadata)
	maps.Copy(merged, meta)
	if err := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", deviceID).
		Update("metadata", merged).Error; err != nil {
		return fmt.Errorf("failed to merge device metadata: %w", err)
	}
	return nil
}

// GetDevice loads a device by its identifier.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

// ListDevices returns every known device ordered by identifier.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).Order("device_id ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// StaleOnlineDevices returns online devices whose lastSeen is before the cutoff.
func (s *Store) StaleOnlineDevices(ctx context.Context, cutoff time.Time) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Where("online = ? AND (last_seen IS NULL OR last_seen < ?)", true, cutoff).
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stale devices: %w", err)
	}
	return devices, nil
}

// CountOnlineDevices returns the number of devices currently online.
func (s *Store) CountOnlineDevices(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Device{}).Where("online = ?", true).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count online devices: %w", err)
	}
	return n, nil
}

// MarkStaleOffline marks a device offline only if it is still online and its lastSeen is
// before the cutoff, so a heartbeat racing the sweep wins.
func (s *Store) MarkStaleOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error) {
	defer s.track("device_stale_offline")()
	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ? AND online = ? AND (last_seen IS NULL OR last_seen < ?)", deviceID, true, cutoff).
		Updates(map[string]any{"online": false, "status": StatusOffline})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark stale device offline: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
