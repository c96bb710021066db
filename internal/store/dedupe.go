package store

// AddDeduped records a message id in the dedupe ledger. Re-adding an id
// already present is a no-op so ledger order reflects first sighting.
func (db *DB) AddDeduped(messageID string) error {
	return addDeduped(db.DB, messageID)
}

func addDeduped(q querier, messageID string) error {
	_, err := q.Exec(`INSERT OR IGNORE INTO dedupe_ledger (message_id) VALUES (?)`, messageID)
	return err
}

// IsDeduped reports whether a message id has been seen before.
func (db *DB) IsDeduped(messageID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(1) FROM dedupe_ledger WHERE message_id = ?`, messageID).Scan(&n)
	return n > 0, err
}

// TrimDedupe drops the oldest ledger entries beyond cap, by insertion order.
func (db *DB) TrimDedupe(cap int) error {
	return trimDedupe(db.DB, cap)
}

func trimDedupe(q querier, cap int) error {
	if cap <= 0 {
		return nil
	}
	_, err := q.Exec(`
		DELETE FROM dedupe_ledger
		WHERE seq NOT IN (SELECT seq FROM dedupe_ledger ORDER BY seq DESC LIMIT ?)`, cap)
	return err
}
