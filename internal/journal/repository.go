package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Pagination bounds for List.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is one recorded connection event.
type Entry struct {
	ID        int64     `json:"id"`
	Device    string    `json:"device"`
	Address   string    `json:"address"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Device string    // optional: filter by device unique id
	Event  string    // optional: filter by event kind (online, offline)
	Since  time.Time // optional: only entries at or after this time
	Limit  int       // default 50, max 200
	Offset int       // pagination offset
}

// ListResult contains the paginated journal entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository reads and writes the connection_events table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a journal repository on an open database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record appends one entry. CreatedAt defaults to now.
func (r *Repository) Record(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_events (device, address, event, detail, rssi, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Device, entry.Address, entry.Event,
		nullableString(entry.Detail), nullableInt(entry.RSSI),
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// List returns entries matching the filter, most recent first.
func (r *Repository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Device != "" {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, filter.Event)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE is assembled from parameterised conditions only; no user input
	// reaches the SQL string.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM connection_events %s", where)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting connection events: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT id, device, address, event, detail, rssi, created_at FROM connection_events %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var detail sql.NullString
		var rssi sql.NullInt64
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.Device, &entry.Address,
			&entry.Event, &detail, &rssi, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}

		if detail.Valid {
			entry.Detail = detail.String
		}
		if rssi.Valid {
			entry.RSSI = int(rssi.Int64)
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing connection event timestamp %q: %w", createdAt, err)
		}
		entry.CreatedAt = t

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes entries older than the cutoff and returns how many went.
func (r *Repository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM connection_events WHERE created_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning connection events: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	return deleted, nil
}

// nullableString returns nil for empty strings, for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt returns nil for zero, for nullable INTEGER columns. An RSSI
// of zero dBm does not occur in practice, so zero means "not recorded".
func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
