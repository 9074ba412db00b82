package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Settings keys for account and discovery data.
const (
	settingICloudEmail     = "icloud_email"
	settingICloudServerURL = "icloud_server_url"
	settingICloudPrincipal = "icloud_principal_url"
	settingGoogleEmail     = "google_email"
	settingLastSyncPrefix  = "last_sync_at:"
)

// GetSetting returns a stored setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting value.
func (db *DB) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := db.conn.Exec(query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting if present.
func (db *DB) DeleteSetting(key string) error {
	if _, err := db.conn.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

// getSettingOrEmpty treats a missing setting as empty.
func (db *DB) getSettingOrEmpty(key string) (string, error) {
	value, err := db.GetSetting(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return value, err
}

// SaveICloudAccount stores the iCloud account identity. A changed server or
// email invalidates any previously discovered principal.
func (db *DB) SaveICloudAccount(email, serverURL string) error {
	prevEmail, err := db.getSettingOrEmpty(settingICloudEmail)
	if err != nil {
		return err
	}
	prevServer, err := db.getSettingOrEmpty(settingICloudServerURL)
	if err != nil {
		return err
	}

	if prevEmail != email || prevServer != serverURL {
		if err := db.DeleteSetting(settingICloudPrincipal); err != nil {
			return err
		}
	}

	if err := db.SetSetting(settingICloudEmail, email); err != nil {
		return err
	}
	return db.SetSetting(settingICloudServerURL, serverURL)
}

// ClearICloudAccount forgets the iCloud account.
func (db *DB) ClearICloudAccount() error {
	for _, key := range []string{settingICloudEmail, settingICloudServerURL, settingICloudPrincipal} {
		if err := db.DeleteSetting(key); err != nil {
			return err
		}
	}
	return nil
}

// HasICloudCredentials reports whether an iCloud account is configured.
func (db *DB) HasICloudCredentials() bool {
	email, err := db.getSettingOrEmpty(settingICloudEmail)
	return err == nil && email != ""
}

// ICloudEmail returns the configured iCloud account email.
func (db *DB) ICloudEmail() (string, error) {
	return db.getSettingOrEmpty(settingICloudEmail)
}

// ICloudServerURL returns the configured CalDAV server URL.
func (db *DB) ICloudServerURL() (string, error) {
	return db.getSettingOrEmpty(settingICloudServerURL)
}

// ICloudPrincipalURL returns the previously discovered principal URL, if any.
func (db *DB) ICloudPrincipalURL() (string, error) {
	return db.getSettingOrEmpty(settingICloudPrincipal)
}

// SaveICloudPrincipalURL stores the discovered principal URL.
func (db *DB) SaveICloudPrincipalURL(principal string) error {
	return db.SetSetting(settingICloudPrincipal, principal)
}

// SaveGoogleAccount stores the Google account email.
func (db *DB) SaveGoogleAccount(email string) error {
	return db.SetSetting(settingGoogleEmail, email)
}

// GoogleEmail returns the configured Google account email.
func (db *DB) GoogleEmail() (string, error) {
	return db.getSettingOrEmpty(settingGoogleEmail)
}

// GetSyncToken returns the stored sync token for a calendar, or "" when none.
func (db *DB) GetSyncToken(provider ProviderType, calendarID string) (string, error) {
	var token string
	err := db.conn.QueryRow(`SELECT token FROM sync_tokens WHERE provider_type = ? AND calendar_id = ?`,
		provider, calendarID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync token: %w", err)
	}
	return token, nil
}

// SaveSyncToken creates or replaces the sync token for a calendar.
func (db *DB) SaveSyncToken(provider ProviderType, calendarID, token string) error {
	query := `INSERT INTO sync_tokens (provider_type, calendar_id, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_type, calendar_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`

	if _, err := db.conn.Exec(query, provider, calendarID, token, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save sync token: %w", err)
	}
	return nil
}

// ClearSyncToken discards the sync token for a calendar.
func (db *DB) ClearSyncToken(provider ProviderType, calendarID string) error {
	_, err := db.conn.Exec(`DELETE FROM sync_tokens WHERE provider_type = ? AND calendar_id = ?`, provider, calendarID)
	if err != nil {
		return fmt.Errorf("failed to clear sync token: %w", err)
	}
	return nil
}

// SetLastSyncTime records when a provider last finished a sync cycle.
func (db *DB) SetLastSyncTime(provider ProviderType, at time.Time) error {
	return db.SetSetting(settingLastSyncPrefix+string(provider), at.UTC().Format(time.RFC3339))
}

// GetLastSyncTime returns when a provider last finished a sync cycle.
func (db *DB) GetLastSyncTime(provider ProviderType) (*time.Time, error) {
	value, err := db.getSettingOrEmpty(settingLastSyncPrefix + string(provider))
	if err != nil || value == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return &t, nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, status, message, details, providers, duration_ms,
		calendars_synced, events_downloaded, events_inserted, events_updated, events_deleted,
		events_uploaded, remote_deleted, error_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.Status, log.Message, log.Details, log.Providers,
		log.Duration.Milliseconds(), log.CalendarsSynced, log.EventsDownloaded, log.EventsInserted,
		log.EventsUpdated, log.EventsDeleted, log.EventsUploaded, log.RemoteDeleted, log.ErrorCount,
		log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs.
func (db *DB) GetSyncLogs(limit int) ([]*SyncLog, error) {
	query := `SELECT id, status, message, details, providers, duration_ms,
		calendars_synced, events_downloaded, events_inserted, events_updated, events_deleted,
		events_uploaded, remote_deleted, error_count, created_at
		FROM sync_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message, details sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.Status, &message, &details, &log.Providers, &durationMs,
			&log.CalendarsSynced, &log.EventsDownloaded, &log.EventsInserted, &log.EventsUpdated,
			&log.EventsDeleted, &log.EventsUploaded, &log.RemoteDeleted, &log.ErrorCount, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
