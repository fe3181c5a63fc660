// Package sqlitestore is a reference Store implementation backed by
// SQLite, sufficient to exercise the pull replicator core end to end in
// tests: it tracks one row per document and a flat table of every
// revision ever force-inserted, enough to answer FindMissingRevisions
// and GetPossibleAncestorRevisionIDs honestly.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/estuary/pull-replicator/replication"
)

// Store is a SQLite-backed replication.Store.
type Store struct {
	db *sql.DB

	// ancestors caches GetPossibleAncestorRevisionIDs lookups per
	// document, invalidated on ForceInsert. The dispatcher calls this
	// once per individually-fetched revision, and documents with long
	// histories are fetched repeatedly during a backfill, so the cache
	// avoids a redundant query per fetch for the common case of several
	// revisions of the same document arriving close together.
	ancestors *lru.Cache[string, ancestorEntry]
}

type ancestorEntry struct {
	ids            []string
	hasAttachments bool
}

var validDocID = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]{0,255}$`)

// Open creates (if necessary) and opens a Store at path. Pass
// "file::memory:?cache=shared" for an ephemeral, in-process store.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under this package's
	// single-logical-worker model, where writes are already serialized.
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id       TEXT PRIMARY KEY,
		current_rev  TEXT NOT NULL,
		deleted      INTEGER NOT NULL DEFAULT 0,
		has_attachments INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS revisions (
		doc_id    TEXT NOT NULL,
		rev_id    TEXT NOT NULL,
		history   TEXT NOT NULL,
		source    TEXT NOT NULL,
		PRIMARY KEY (doc_id, rev_id)
	);
	`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	var cache, cacheErr = lru.New[string, ancestorEntry](4096)
	if cacheErr != nil {
		db.Close()
		return nil, fmt.Errorf("creating ancestor cache: %w", cacheErr)
	}
	return &Store{db: db, ancestors: cache}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// IsValidDocumentID implements replication.Store.
func (s *Store) IsValidDocumentID(id string) bool {
	return id != "" && !strings.HasPrefix(id, "_") && validDocID.MatchString(id)
}

// FindMissingRevisions implements replication.Store.
func (s *Store) FindMissingRevisions(ctx context.Context, revs []*replication.PulledRevision) ([]*replication.PulledRevision, error) {
	var missing = make([]*replication.PulledRevision, 0, len(revs))
	for _, rev := range revs {
		var exists int
		var err = s.db.QueryRowContext(ctx,
			`SELECT 1 FROM revisions WHERE doc_id = ? AND rev_id = ?`, rev.DocID, rev.RevID,
		).Scan(&exists)
		if err == sql.ErrNoRows {
			missing = append(missing, rev)
		} else if err != nil {
			return nil, fmt.Errorf("querying existing revision: %w", err)
		}
	}
	return missing, nil
}

// GetPossibleAncestorRevisionIDs implements replication.Store.
func (s *Store) GetPossibleAncestorRevisionIDs(ctx context.Context, rev replication.Revision, limit int) ([]string, bool, error) {
	if cached, ok := s.ancestors.Get(rev.DocID); ok {
		var ids = cached.ids
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return ids, cached.hasAttachments, nil
	}

	var rows, err = s.db.QueryContext(ctx,
		`SELECT rev_id FROM revisions WHERE doc_id = ? ORDER BY rowid DESC LIMIT ?`, rev.DocID, limit)
	if err != nil {
		return nil, false, fmt.Errorf("querying ancestor revisions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, fmt.Errorf("scanning ancestor revision: %w", err)
		}
		ids = append(ids, id)
	}

	var hasAttachments bool
	var err2 = s.db.QueryRowContext(ctx,
		`SELECT has_attachments FROM documents WHERE doc_id = ?`, rev.DocID,
	).Scan(&hasAttachments)
	if err2 != nil && err2 != sql.ErrNoRows {
		return nil, false, fmt.Errorf("querying document attachment state: %w", err2)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	s.ancestors.Add(rev.DocID, ancestorEntry{ids: ids, hasAttachments: hasAttachments})
	return ids, hasAttachments, nil
}

// InTransaction implements replication.Store: it retries the entire body
// whenever fn reports StatusDBBusy, up to a small bound.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) replication.StoreStatus) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		var status = fn(context.WithValue(ctx, txKey{}, tx))
		if status == replication.StatusDBBusy {
			tx.Rollback()
			continue
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction did not succeed after %d attempts: store remained busy", maxAttempts)
}

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	var tx, _ = ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// ForceInsert implements replication.Store.
func (s *Store) ForceInsert(ctx context.Context, rev *replication.PulledRevision, history []string, source string) replication.StoreStatus {
	var tx = txFromContext(ctx)
	if tx == nil {
		return replication.StatusOtherError
	}

	var historyJSON, err = json.Marshal(history)
	if err != nil {
		return replication.StatusOtherError
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO revisions (doc_id, rev_id, history, source) VALUES (?, ?, ?, ?)`,
		rev.DocID, rev.RevID, string(historyJSON), source,
	); err != nil {
		return replication.StatusOtherError
	}

	var hasAttachments = strings.Contains(string(rev.Properties), `"_attachments"`)
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO documents (doc_id, current_rev, deleted, has_attachments) VALUES (?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET current_rev = excluded.current_rev,
		   deleted = excluded.deleted, has_attachments = excluded.has_attachments`,
		rev.DocID, rev.RevID, rev.Deleted, hasAttachments,
	); err != nil {
		return replication.StatusOtherError
	}

	s.ancestors.Remove(rev.DocID)

	return replication.StatusOK
}

// ParseRevisionHistory implements replication.Store, extracting the
// `_revisions.ids` ancestor chain CouchDB-style documents carry alongside
// a revs=true fetch.
func (s *Store) ParseRevisionHistory(properties []byte) []string {
	var envelope struct {
		Revisions struct {
			Start int      `json:"start"`
			IDs   []string `json:"ids"`
		} `json:"_revisions"`
	}
	if err := json.Unmarshal(properties, &envelope); err != nil || len(envelope.Revisions.IDs) == 0 {
		return nil
	}
	var history = make([]string, len(envelope.Revisions.IDs))
	for i, id := range envelope.Revisions.IDs {
		history[i] = fmt.Sprintf("%d-%s", envelope.Revisions.Start-i, id)
	}
	return history
}
