package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pendingColumns = `id, ts, text, attachments, attempts, errors, created_at, last_attempt_at`

// PutPendingBundle inserts or replaces a pending bundle. Seeding and
// refreshing share this path: a bundle re-sent by the source before its
// local resolution finishes overwrites the pending record wholesale.
func (db *DB) PutPendingBundle(b *PendingBundle) error {
	return putPendingBundle(db.DB, b)
}

func putPendingBundle(q querier, b *PendingBundle) error {
	attachments, err := encodeJSON(b.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	attempts, err := encodeJSON(b.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	errs, err := encodeJSON(b.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	createdAt := b.CreatedAt
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = q.Exec(`
		INSERT INTO pending_bundles (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts,
			text = excluded.text,
			attachments = excluded.attachments,
			attempts = excluded.attempts,
			errors = excluded.errors,
			last_attempt_at = excluded.last_attempt_at`,
		b.ID, b.TS, b.Text, attachments, attempts, errs, createdAt, b.LastAttemptAt)
	return err
}

// GetPendingBundle returns one pending bundle by id, or ErrNotFound.
func (db *DB) GetPendingBundle(id string) (*PendingBundle, error) {
	row := db.QueryRow(`SELECT `+pendingColumns+` FROM pending_bundles WHERE id = ?`, id)
	b, err := scanPendingBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListPendingBundles returns all pending bundles, oldest first.
func (db *DB) ListPendingBundles() ([]PendingBundle, error) {
	rows, err := db.Query(`SELECT ` + pendingColumns + ` FROM pending_bundles ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bundles []PendingBundle
	for rows.Next() {
		b, err := scanPendingBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, *b)
	}
	return bundles, rows.Err()
}

// DeletePendingBundle removes a bundle once it reached a terminal outcome.
func (db *DB) DeletePendingBundle(id string) error {
	return deletePendingBundle(db.DB, id)
}

func deletePendingBundle(q querier, id string) error {
	_, err := q.Exec(`DELETE FROM pending_bundles WHERE id = ?`, id)
	return err
}

// TrimPendingBundles drops the oldest bundles beyond cap and returns the
// evicted ids.
func (db *DB) TrimPendingBundles(cap int) ([]string, error) {
	return trimPendingBundles(db.DB, cap)
}

func trimPendingBundles(q querier, cap int) ([]string, error) {
	if cap <= 0 {
		return nil, nil
	}
	rows, err := q.Query(`
		SELECT id FROM pending_bundles
		ORDER BY created_at DESC, ts DESC
		LIMIT -1 OFFSET ?`, cap)
	if err != nil {
		return nil, err
	}
	evicted, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(evicted) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`DELETE FROM pending_bundles WHERE id IN (%s)`, placeholders(len(evicted)))
	if _, err := q.Exec(query, idArgs(evicted)...); err != nil {
		return nil, err
	}
	return evicted, nil
}

func scanPendingBundle(row rowScanner) (*PendingBundle, error) {
	var b PendingBundle
	var attachments, attempts, errs []byte
	if err := row.Scan(&b.ID, &b.TS, &b.Text, &attachments, &attempts, &errs,
		&b.CreatedAt, &b.LastAttemptAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(attachments, &b.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := decodeJSON(attempts, &b.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	if err := decodeJSON(errs, &b.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	return &b, nil
}
