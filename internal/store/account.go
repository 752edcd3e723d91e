package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAccount inserts an account or refreshes its instance and name.
func (db *DB) UpsertAccount(ctx context.Context, a *Account) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, instance, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instance = excluded.instance,
			name = excluded.name,
			updated_at = excluded.updated_at`,
		a.ID, a.Instance, a.Name, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %q: %w", a.ID, err)
	}
	return nil
}

// GetAccount returns the account with the given id or ErrUnknownAccount.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	return db.scanAccount(db.QueryRowContext(ctx, `
		SELECT id, instance, name, created_at, updated_at FROM accounts WHERE id = ?`, id))
}

// AccountByInstance resolves a gateway instance name to its account.
func (db *DB) AccountByInstance(ctx context.Context, instance string) (*Account, error) {
	return db.scanAccount(db.QueryRowContext(ctx, `
		SELECT id, instance, name, created_at, updated_at FROM accounts WHERE instance = ?`, instance))
}

// ListAccounts returns all accounts ordered by id.
func (db *DB) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, instance, name, created_at, updated_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Instance, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (db *DB) scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Instance, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownAccount
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}
