package store

import (
	"context"
	"fmt"
	"time"
)

// SaveLIDMapping records or replaces the phone address known for an @lid id.
func (db *DB) SaveLIDMapping(ctx context.Context, lid, pn string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO lid_map (lid, pn, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(lid) DO UPDATE SET pn = excluded.pn, updated_at = excluded.updated_at`,
		lid, pn, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save lid mapping %q: %w", lid, err)
	}
	return nil
}

// LoadLIDMappings returns every persisted lid -> pn mapping.
func (db *DB) LoadLIDMappings(ctx context.Context) (map[string]string, error) {
	mappings, err := db.ListLIDMappings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.LID] = m.PN
	}
	return out, nil
}

// ListLIDMappings returns the persisted mappings ordered by lid.
func (db *DB) ListLIDMappings(ctx context.Context) ([]LIDMapping, error) {
	rows, err := db.QueryContext(ctx, `SELECT lid, pn FROM lid_map ORDER BY lid`)
	if err != nil {
		return nil, fmt.Errorf("list lid mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []LIDMapping
	for rows.Next() {
		var m LIDMapping
		if err := rows.Scan(&m.LID, &m.PN); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
