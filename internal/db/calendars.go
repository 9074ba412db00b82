package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const calendarColumns = `id, name, color, provider_type, account_email, is_visible, is_read_only, created_at, updated_at`

// GetCalendarByID returns a calendar by its provider-native ID.
func (db *DB) GetCalendarByID(id string) (*Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE id = ?`
	return scanCalendar(db.conn.QueryRow(query, id))
}

// InsertCalendar creates a new calendar row.
func (db *DB) InsertCalendar(cal *Calendar) error {
	now := time.Now().UTC()
	cal.CreatedAt = now
	cal.UpdatedAt = now

	query := `INSERT INTO calendars (` + calendarColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, cal.ID, cal.Name, cal.Color, cal.ProviderType, cal.AccountEmail,
		cal.IsVisible, cal.IsReadOnly, cal.CreatedAt, cal.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: calendar %s", ErrDuplicate, cal.ID)
		}
		return fmt.Errorf("failed to insert calendar: %w", err)
	}

	return nil
}

// UpdateCalendar updates an existing calendar, including its visibility.
func (db *DB) UpdateCalendar(cal *Calendar) error {
	cal.UpdatedAt = time.Now().UTC()

	query := `UPDATE calendars SET name = ?, color = ?, provider_type = ?, account_email = ?,
		is_visible = ?, is_read_only = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, cal.Name, cal.Color, cal.ProviderType, cal.AccountEmail,
		cal.IsVisible, cal.IsReadOnly, cal.UpdatedAt, cal.ID)
	if err != nil {
		return fmt.Errorf("failed to update calendar: %w", err)
	}

	return checkAffected(result)
}

// SetCalendarVisibility records the user's visibility choice for a calendar.
func (db *DB) SetCalendarVisibility(id string, visible bool) error {
	query := `UPDATE calendars SET is_visible = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, visible, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar visibility: %w", err)
	}

	return checkAffected(result)
}

// DeleteCalendarByID deletes a calendar, its events and its sync token.
func (db *DB) DeleteCalendarByID(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.Exec(`DELETE FROM sync_tokens WHERE calendar_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sync token: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM calendars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete calendar: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit calendar delete: %w", err)
	}

	return nil
}

// GetCalendarsByProvider returns all calendars owned by a provider.
func (db *DB) GetCalendarsByProvider(provider ProviderType) ([]*Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE provider_type = ? ORDER BY name`
	return db.queryCalendars(query, provider)
}

// GetAllCalendars returns every calendar ordered by provider and name.
func (db *DB) GetAllCalendars() ([]*Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars ORDER BY provider_type, name`
	return db.queryCalendars(query)
}

// GetVisibleCalendarIDs returns the IDs of a provider's calendars the user has chosen to see.
func (db *DB) GetVisibleCalendarIDs(provider ProviderType) ([]string, error) {
	query := `SELECT id FROM calendars WHERE provider_type = ? AND is_visible = 1 ORDER BY name`

	rows, err := db.conn.Query(query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query visible calendars: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan calendar id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendars: %w", err)
	}

	return ids, nil
}

func (db *DB) queryCalendars(query string, args ...any) ([]*Calendar, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendars: %w", err)
	}
	defer rows.Close()

	var calendars []*Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calendars: %w", err)
	}

	return calendars, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row rowScanner) (*Calendar, error) {
	cal := &Calendar{}
	err := row.Scan(&cal.ID, &cal.Name, &cal.Color, &cal.ProviderType, &cal.AccountEmail,
		&cal.IsVisible, &cal.IsReadOnly, &cal.CreatedAt, &cal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar: %w", err)
	}
	return cal, nil
}
