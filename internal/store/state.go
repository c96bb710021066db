package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

// sync_state keys.
const (
	stateCursor      = "cursor"
	stateCredential  = "credential_token"
	stateBoundTarget = "bound_target"
	stateStatus      = "status"
)

// GetState returns a sync_state value, "" when the key is absent.
func (db *DB) GetState(key string) (string, error) {
	return getState(db.DB, key)
}

func getState(q querier, key string) (string, error) {
	var value string
	err := q.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetState upserts a sync_state value.
func (db *DB) SetState(key, value string) error {
	return setState(db.DB, key, value)
}

func setState(q querier, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Cursor returns the persisted poll cursor, "" before the first cycle.
func (db *DB) Cursor() (string, error) { return db.GetState(stateCursor) }

// SetCursor persists the poll cursor.
func (db *DB) SetCursor(cursor string) error { return db.SetState(stateCursor, cursor) }

// Token returns the persisted bearer token, "" when none was rotated in.
func (db *DB) Token() (string, error) { return db.GetState(stateCredential) }

// SetToken persists a rotated bearer token.
func (db *DB) SetToken(token string) error { return db.SetState(stateCredential, token) }

// BoundTarget returns the bound delivery target as stored JSON, "" when
// no target is bound.
func (db *DB) BoundTarget() (string, error) { return db.GetState(stateBoundTarget) }

// SetBoundTarget persists the bound delivery target; "" unbinds.
func (db *DB) SetBoundTarget(encoded string) error { return db.SetState(stateBoundTarget, encoded) }

// Status returns the persisted connectivity record, zero before the
// first completed cycle.
func (db *DB) Status() (StatusRecord, error) {
	var rec StatusRecord
	raw, err := db.GetState(stateStatus)
	if err != nil || raw == "" {
		return rec, err
	}
	err = json.Unmarshal([]byte(raw), &rec)
	return rec, err
}

// SetStatus persists the connectivity record.
func (db *DB) SetStatus(rec StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return db.SetState(stateStatus, string(data))
}
