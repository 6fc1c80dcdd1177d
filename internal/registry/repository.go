package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines persistence for registration records, the
// latest-metric mirror and the device event history. The SQLite
// implementation is used in production; tests may supply mocks.
type Repository interface {
	// Get retrieves a record by endpoint. Returns ErrNotRegistered if
	// absent.
	Get(ctx context.Context, endpointID string) (*Registration, error)

	// List retrieves all records.
	List(ctx context.Context) ([]Registration, error)

	// Upsert inserts or replaces a record.
	Upsert(ctx context.Context, rec *Registration) error

	// Delete removes a record. Returns ErrNotRegistered if absent.
	Delete(ctx context.Context, endpointID string) error

	// UpsertMetric writes one latest-metric mirror entry.
	UpsertMetric(ctx context.Context, endpointID string, m MetricSample) error

	// MetricsFor retrieves the mirror for one endpoint, sorted by name.
	MetricsFor(ctx context.Context, endpointID string) ([]MetricSample, error)

	// AppendEvent appends a lifecycle event.
	AppendEvent(ctx context.Context, endpointID, eventType string, payload any) error

	// EventsFor retrieves the newest events for an endpoint, newest first.
	EventsFor(ctx context.Context, endpointID string, limit int) ([]DeviceEvent, error)

	// TrimEvents deletes an endpoint's oldest events beyond keep rows.
	TrimEvents(ctx context.Context, endpointID string, keep int) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLite-backed repository. The schema is
// managed by the embedded migrations.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const registrationColumns = `endpoint_id, group_id, state, lifetime_seconds, version,
	binding_mode, objects, bd_seq, last_seq, desynced, last_error,
	registered_at, last_update, expires_at, created_at, updated_at`

// Get retrieves a record by endpoint.
func (r *SQLiteRepository) Get(ctx context.Context, endpointID string) (*Registration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM devices WHERE endpoint_id = ?`, endpointID)

	rec, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, endpointID)
		}
		return nil, fmt.Errorf("querying registration: %w", err)
	}
	return rec, nil
}

// List retrieves all records ordered by endpoint.
func (r *SQLiteRepository) List(ctx context.Context) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+registrationColumns+` FROM devices ORDER BY endpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		rec, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning registration: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a record.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *Registration) error {
	objects, err := json.Marshal(rec.Objects)
	if err != nil {
		return fmt.Errorf("marshalling objects: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (`+registrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id) DO UPDATE SET
			group_id = excluded.group_id,
			state = excluded.state,
			lifetime_seconds = excluded.lifetime_seconds,
			version = excluded.version,
			binding_mode = excluded.binding_mode,
			objects = excluded.objects,
			bd_seq = excluded.bd_seq,
			last_seq = excluded.last_seq,
			desynced = excluded.desynced,
			last_error = excluded.last_error,
			registered_at = excluded.registered_at,
			last_update = excluded.last_update,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		rec.EndpointID, rec.GroupID, string(rec.State), rec.LifetimeSeconds,
		rec.Version, rec.BindingMode, string(objects), rec.BdSeq, rec.LastSeq,
		boolToInt(rec.Desynced), nullString(rec.LastError),
		formatTime(rec.RegisteredAt), formatTime(rec.LastUpdate),
		formatTime(rec.ExpiresAt), formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting registration: %w", err)
	}
	return nil
}

// Delete removes a record.
func (r *SQLiteRepository) Delete(ctx context.Context, endpointID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM devices WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, endpointID)
	}
	return nil
}

// UpsertMetric writes one latest-metric mirror entry.
func (r *SQLiteRepository) UpsertMetric(ctx context.Context, endpointID string, m MetricSample) error {
	value, err := json.Marshal(m.Value)
	if err != nil {
		return fmt.Errorf("marshalling metric value: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_metrics (endpoint_id, name, datatype, value, timestamp_ms, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id, name) DO UPDATE SET
			datatype = excluded.datatype,
			value = excluded.value,
			timestamp_ms = excluded.timestamp_ms,
			received_at = excluded.received_at`,
		endpointID, m.Name, m.Datatype, string(value), m.TimestampMs,
		formatTime(m.ReceivedAt))
	if err != nil {
		return fmt.Errorf("upserting metric: %w", err)
	}
	return nil
}

// MetricsFor retrieves the latest-metric mirror for one endpoint.
func (r *SQLiteRepository) MetricsFor(ctx context.Context, endpointID string) ([]MetricSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, datatype, value, timestamp_ms, received_at
		FROM device_metrics WHERE endpoint_id = ? ORDER BY name`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		var value sql.NullString
		var receivedAt string
		if err := rows.Scan(&m.Name, &m.Datatype, &value, &m.TimestampMs, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &m.Value); err != nil {
				m.Value = value.String
			}
		}
		m.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	return out, nil
}

// AppendEvent appends a lifecycle event. The payload is stored as JSON.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, endpointID, eventType string, payload any) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling event payload: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_events (endpoint_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		endpointID, eventType, string(body), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// EventsFor retrieves the newest events for an endpoint, newest first.
func (r *SQLiteRepository) EventsFor(ctx context.Context, endpointID string, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, endpoint_id, event_type, payload, created_at
		FROM device_events WHERE endpoint_id = ?
		ORDER BY id DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.EndpointID, &ev.Type, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return out, nil
}

// TrimEvents deletes an endpoint's oldest events beyond keep rows.
func (r *SQLiteRepository) TrimEvents(ctx context.Context, endpointID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM device_events
		WHERE endpoint_id = ? AND id NOT IN (
			SELECT id FROM device_events
			WHERE endpoint_id = ?
			ORDER BY id DESC LIMIT ?
		)`, endpointID, endpointID, keep)
	if err != nil {
		return fmt.Errorf("trimming events: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRegistration.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRegistration scans one devices row.
func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		rec       Registration
		state     string
		objects   string
		desynced  int
		lastError sql.NullString

		registeredAt, lastUpdate, expiresAt, createdAt, updatedAt string
	)

	err := row.Scan(
		&rec.EndpointID, &rec.GroupID, &state, &rec.LifetimeSeconds,
		&rec.Version, &rec.BindingMode, &objects, &rec.BdSeq, &rec.LastSeq,
		&desynced, &lastError,
		&registeredAt, &lastUpdate, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Desynced = desynced != 0
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if objects != "" && objects != "[]" {
		if err := json.Unmarshal([]byte(objects), &rec.Objects); err != nil {
			return nil, fmt.Errorf("unmarshalling objects: %w", err)
		}
	}

	rec.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	rec.LastUpdate, _ = time.Parse(time.RFC3339Nano, lastUpdate)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
