package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNoRecordingFound is returned when neither a final artifact nor a usable
// fragment prefix exists for a session.
var ErrNoRecordingFound = errors.New("no recording found")

// ChunkStore persists encoded fragments and final artifacts across process
// teardown. Writes commit before Append returns, so a crash immediately after
// a fragment arrives does not lose it.
type ChunkStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Meta mirrors the fragment-meta entry for a session.
type Meta struct {
	Count    int
	MimeType string
}

func Open(dbPath string, logger *zap.Logger) (*ChunkStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create store dir")
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open chunk store")
	}
	// Fragment writes must survive teardown the moment Append returns.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure chunk store")
	}
	s := &ChunkStore{db: db, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ChunkStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS fragments (
  session_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  payload BLOB NOT NULL,
  PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS fragment_meta (
  session_id TEXT PRIMARY KEY,
  count INTEGER NOT NULL,
  mime_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS final_artifacts (
  session_id TEXT PRIMARY KEY,
  payload BLOB NOT NULL,
  mime_type TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "create chunk store schema")
	}
	return nil
}

// Append durably stores one fragment and advances fragment-meta. Fragments are
// immutable: re-appending an existing sequence number is ignored.
func (s *ChunkStore) Append(ctx context.Context, sessionID string, seq int, payload []byte, mimeType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO fragments (session_id, seq, payload) VALUES (?, ?, ?)`,
		sessionID, seq, payload,
	); err != nil {
		return errors.Wrapf(err, "append fragment %d", seq)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fragment_meta (session_id, count, mime_type) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   count=MAX(count, excluded.count),
		   mime_type=excluded.mime_type`,
		sessionID, seq+1, mimeType,
	); err != nil {
		return errors.Wrapf(err, "update fragment meta for %d", seq)
	}
	return errors.Wrap(tx.Commit(), "commit append")
}

// SaveFinal stores the assembled artifact. Once present it is preferred over
// the fragment set on every read.
func (s *ChunkStore) SaveFinal(ctx context.Context, sessionID string, payload []byte, mimeType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO final_artifacts (session_id, payload, mime_type) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET payload=excluded.payload, mime_type=excluded.mime_type`,
		sessionID, payload, mimeType,
	)
	return errors.Wrap(err, "save final artifact")
}

// LoadFinal returns the finalized artifact, or nil if none was saved.
func (s *ChunkStore) LoadFinal(ctx context.Context, sessionID string) ([]byte, string, error) {
	var payload []byte
	var mimeType string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, mime_type FROM final_artifacts WHERE session_id = ?`, sessionID,
	).Scan(&payload, &mimeType)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "load final artifact")
	}
	return payload, mimeType, nil
}

// LoadMeta returns the fragment-meta entry, or nil if the session has none.
func (s *ChunkStore) LoadMeta(ctx context.Context, sessionID string) (*Meta, error) {
	var m Meta
	err := s.db.QueryRowContext(ctx,
		`SELECT count, mime_type FROM fragment_meta WHERE session_id = ?`, sessionID,
	).Scan(&m.Count, &m.MimeType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load fragment meta")
	}
	return &m, nil
}

// ReconstructFromFragments concatenates the gap-free fragment prefix in
// sequence order. Returns nil if fragment 0 is missing. Fragments past the
// first gap are untrusted and ignored.
func (s *ChunkStore) ReconstructFromFragments(ctx context.Context, sessionID string) ([]byte, string, error) {
	meta, err := s.LoadMeta(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if meta == nil || meta.Count == 0 {
		return nil, "", nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM fragments WHERE session_id = ? ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, "", errors.Wrap(err, "read fragments")
	}
	defer rows.Close()

	var artifact []byte
	next := 0
	for rows.Next() {
		var seq int
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, "", errors.Wrap(err, "scan fragment")
		}
		if seq != next {
			s.logger.Warn("chunk store: fragment gap, truncating reconstruction",
				zap.String("session_id", sessionID),
				zap.Int("expected", next),
				zap.Int("got", seq))
			break
		}
		artifact = append(artifact, payload...)
		next++
	}
	if err := rows.Err(); err != nil {
		return nil, "", errors.Wrap(err, "iterate fragments")
	}
	if next == 0 {
		return nil, "", nil
	}
	return artifact, meta.MimeType, nil
}

// LoadArtifact is the reconciliation read: final artifact if present, else the
// gap-free fragment prefix, else ErrNoRecordingFound.
func (s *ChunkStore) LoadArtifact(ctx context.Context, sessionID string) ([]byte, string, error) {
	payload, mimeType, err := s.LoadFinal(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if payload != nil {
		return payload, mimeType, nil
	}
	payload, mimeType, err = s.ReconstructFromFragments(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if payload == nil {
		return nil, "", ErrNoRecordingFound
	}
	return payload, mimeType, nil
}

// Purge deletes every entry for the session. Called on discard and after
// confirmed remote delivery.
func (s *ChunkStore) Purge(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin purge")
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM fragments WHERE session_id = ?`,
		`DELETE FROM fragment_meta WHERE session_id = ?`,
		`DELETE FROM final_artifacts WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return errors.Wrap(err, "purge session data")
		}
	}
	return errors.Wrap(tx.Commit(), "commit purge")
}

func (s *ChunkStore) Close() error {
	return s.db.Close()
}
