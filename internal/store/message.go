package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, ts, text, type, attachments, raw, status, errors,
	delivery_status, delivery_detail, delivery_updated_at, retry_count, created_at`

// UpsertMessage inserts or merges a message by id. An update with nil
// Attachments/Errors or empty delivery fields keeps the stored values,
// so a plain refresh from the wire never wipes resolution or delivery
// state already recorded for the message.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(q querier, m *Message) error {
	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	errs, err := encodeJSON(m.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	raw, err := encodeJSON(m.Raw)
	if err != nil {
		return fmt.Errorf("encode raw: %w", err)
	}
	createdAt := m.CreatedAt
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = q.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts,
			text = excluded.text,
			type = excluded.type,
			attachments = COALESCE(excluded.attachments, messages.attachments),
			raw = COALESCE(excluded.raw, messages.raw),
			status = excluded.status,
			errors = COALESCE(excluded.errors, messages.errors),
			delivery_status = COALESCE(NULLIF(excluded.delivery_status, ''), messages.delivery_status),
			delivery_detail = COALESCE(NULLIF(excluded.delivery_detail, ''), messages.delivery_detail),
			delivery_updated_at = MAX(excluded.delivery_updated_at, messages.delivery_updated_at),
			retry_count = excluded.retry_count`,
		m.ID, m.TS, m.Text, m.Type, attachments, raw, m.Status, errs,
		m.DeliveryStatus, m.DeliveryDetail, m.DeliveryUpdatedAt, m.RetryCount, createdAt)
	return err
}

// ApplyDelivery records a delivery outcome. It touches only the delivery
// axis; attachment resolution status and errors are left alone.
func (db *DB) ApplyDelivery(u DeliveryUpdate) error {
	return applyDelivery(db.DB, u)
}

func applyDelivery(q querier, u DeliveryUpdate) error {
	at := u.UpdatedAt
	if at <= 0 {
		at = time.Now().UnixMilli()
	}
	res, err := q.Exec(`
		UPDATE messages
		SET delivery_status = ?, delivery_detail = ?, delivery_updated_at = ?
		WHERE id = ?`,
		u.Status, u.Detail, at, u.MessageID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TrimMessages drops the oldest messages beyond cap and returns the
// evicted ids so the caller can clean up their cached blobs.
func (db *DB) TrimMessages(cap int) ([]string, error) {
	return trimMessages(db.DB, cap)
}

func trimMessages(q querier, cap int) ([]string, error) {
	if cap <= 0 {
		return nil, nil
	}
	rows, err := q.Query(`
		SELECT id FROM messages
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
	query := fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, placeholders(len(evicted)))
	if _, err := q.Exec(query, idArgs(evicted)...); err != nil {
		return nil, err
	}
	return evicted, nil
}

// GetMessage returns one message by id, or ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMessages returns the message window, newest first.
func (db *DB) ListMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		ORDER BY created_at DESC, ts DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var attachments, raw, errs []byte
	if err := row.Scan(&m.ID, &m.TS, &m.Text, &m.Type, &attachments, &raw, &m.Status, &errs,
		&m.DeliveryStatus, &m.DeliveryDetail, &m.DeliveryUpdatedAt, &m.RetryCount, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := decodeJSON(errs, &m.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if len(raw) > 0 {
		m.Raw = json.RawMessage(raw)
	}
	return &m, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
