package store

import (
	"encoding/json"
	"fmt"
)

// CommitCycle applies one sync cycle's changes in a single transaction:
// message upserts, delivery outcomes, dedupe entries, pending-bundle
// puts/deletes, the cursor, the status snapshot, and every size cap.
// Either the whole cycle lands or none of it does. Returns the ids of
// messages evicted by the window trim so the caller can drop their
// cached blobs.
func (db *DB) CommitCycle(c *CycleCommit) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin cycle commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range c.Upserts {
		if err := upsertMessage(tx, m); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", m.ID, err)
		}
	}
	for _, u := range c.Deliveries {
		if err := applyDelivery(tx, u); err != nil {
			return nil, fmt.Errorf("delivery %s: %w", u.MessageID, err)
		}
	}
	for _, id := range c.DedupedIDs {
		if err := addDeduped(tx, id); err != nil {
			return nil, fmt.Errorf("dedupe %s: %w", id, err)
		}
	}
	for _, b := range c.PutBundles {
		if err := putPendingBundle(tx, b); err != nil {
			return nil, fmt.Errorf("pending %s: %w", b.ID, err)
		}
	}
	for _, id := range c.DeleteBundleIDs {
		if err := deletePendingBundle(tx, id); err != nil {
			return nil, fmt.Errorf("delete pending %s: %w", id, err)
		}
	}

	evicted, err := trimMessages(tx, c.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("trim messages: %w", err)
	}
	for _, id := range evicted {
		if err := deleteBlobsForMessage(tx, id); err != nil {
			return nil, fmt.Errorf("evict blobs %s: %w", id, err)
		}
	}
	if _, err := trimPendingBundles(tx, c.MaxPending); err != nil {
		return nil, fmt.Errorf("trim pending: %w", err)
	}
	if err := trimDedupe(tx, c.MaxDeduped); err != nil {
		return nil, fmt.Errorf("trim dedupe: %w", err)
	}

	if c.HasCursor {
		if err := setState(tx, stateCursor, c.Cursor); err != nil {
			return nil, fmt.Errorf("set cursor: %w", err)
		}
	}
	if c.Status != nil {
		encoded, err := json.Marshal(c.Status)
		if err != nil {
			return nil, fmt.Errorf("encode status: %w", err)
		}
		if err := setState(tx, stateStatus, string(encoded)); err != nil {
			return nil, fmt.Errorf("set status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cycle: %w", err)
	}
	return evicted, nil
}
