package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutBlob stores fetched attachment bytes as the persistent cache tier.
func (db *DB) PutBlob(messageID, attID string, data []byte, sha256, metaJSON string) error {
	_, err := db.Exec(`
		INSERT INTO blobs (message_id, att_id, bytes, sha256, meta, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, att_id) DO UPDATE SET
			bytes = excluded.bytes,
			sha256 = excluded.sha256,
			meta = excluded.meta,
			stored_at = excluded.stored_at`,
		messageID, attID, data, sha256, metaJSON, time.Now().UnixMilli())
	return err
}

// GetBlob returns stored attachment bytes, or ErrNotFound.
func (db *DB) GetBlob(messageID, attID string) (data []byte, sha256, metaJSON string, err error) {
	err = db.QueryRow(`
		SELECT bytes, sha256, meta FROM blobs
		WHERE message_id = ? AND att_id = ?`,
		messageID, attID).Scan(&data, &sha256, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", "", ErrNotFound
	}
	return data, sha256, metaJSON, err
}

// DeleteBlobsForMessage removes all blobs belonging to one message.
func (db *DB) DeleteBlobsForMessage(messageID string) error {
	return deleteBlobsForMessage(db.DB, messageID)
}

func deleteBlobsForMessage(q querier, messageID string) error {
	_, err := q.Exec(`DELETE FROM blobs WHERE message_id = ?`, messageID)
	return err
}

// SweepOrphanBlobs deletes blobs whose message id is not in validIDs.
// An empty validIDs clears the table.
func (db *DB) SweepOrphanBlobs(validIDs []string) error {
	if len(validIDs) == 0 {
		_, err := db.Exec(`DELETE FROM blobs`)
		return err
	}
	query := fmt.Sprintf(`DELETE FROM blobs WHERE message_id NOT IN (%s)`, placeholders(len(validIDs)))
	_, err := db.Exec(query, idArgs(validIDs)...)
	return err
}
