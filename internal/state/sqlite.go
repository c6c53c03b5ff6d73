package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a local SQLite database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; WAL still lets readers through.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init state schema: %w", err)
	}

	logger.Debug("state store opened", "backend", "sqlite", "path", path)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS batches (
    book_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    record BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
    batch_id TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    start_off INTEGER NOT NULL,
    end_off INTEGER NOT NULL,
    page_ids TEXT NOT NULL,
    text TEXT NOT NULL,
    overflow INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    error_kind TEXT,
    audio_path TEXT,
    audio_format TEXT,
    sample_rate INTEGER NOT NULL DEFAULT 0,
    fingerprint TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (batch_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_batch_start ON chunks(batch_id, start_off);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "chunks", "fingerprint", "TEXT")
}

// ensureColumn adds a column missing from a table created by an older
// schema.
func (s *SQLiteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `ALTER TABLE `+table+` ADD COLUMN `+column+` `+decl)
	return err
}

func (s *SQLiteStore) GetChunk(ctx context.Context, batchID, chunkID string) (*ChunkState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE batch_id = ? AND chunk_id = ?`, batchID, chunkID)
	cs, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", chunkID, err)
	}
	return cs, nil
}

func (s *SQLiteStore) PutChunk(ctx context.Context, cs *ChunkState) error {
	pageIDs, err := json.Marshal(cs.PageIDs)
	if err != nil {
		return fmt.Errorf("failed to encode page ids: %w", err)
	}
	cs.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO chunks (batch_id, chunk_id, idx, start_off, end_off, page_ids, text, overflow, status, retry_count, last_error, error_kind, audio_path, audio_format, sample_rate, fingerprint, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id, chunk_id) DO UPDATE SET
    idx = excluded.idx,
    start_off = excluded.start_off,
    end_off = excluded.end_off,
    page_ids = excluded.page_ids,
    text = excluded.text,
    overflow = excluded.overflow,
    status = excluded.status,
    retry_count = excluded.retry_count,
    last_error = excluded.last_error,
    error_kind = excluded.error_kind,
    audio_path = excluded.audio_path,
    audio_format = excluded.audio_format,
    sample_rate = excluded.sample_rate,
    fingerprint = excluded.fingerprint,
    updated_at = excluded.updated_at`,
		cs.BatchID, cs.ChunkID, cs.Index, cs.Start, cs.End, string(pageIDs), cs.Text, cs.Overflow,
		string(cs.Status), cs.RetryCount, cs.LastError, string(cs.ErrorKind), cs.AudioPath, cs.AudioFormat, cs.SampleRate, cs.Fingerprint, cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put chunk %s: %w", cs.ChunkID, err)
	}
	return nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context, batchID string, statuses ...ChunkStatus) ([]ChunkState, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE batch_id = ?`
	args := []any{batchID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY start_off, idx`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkState
	for rows.Next() {
		cs, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneChunks(ctx context.Context, batchID string, keep []string) (int, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT chunk_id FROM chunks WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunk ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		if !keepSet[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE batch_id = ? AND chunk_id = ?`, batchID, id); err != nil {
			return 0, fmt.Errorf("failed to delete chunk %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return len(stale), nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, bookID string) (*BatchRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM batches WHERE book_id = ?`, bookID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", bookID, err)
	}
	var b BatchRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", bookID, err)
	}
	return &b, nil
}

func (s *SQLiteStore) PutBatch(ctx context.Context, b *BatchRecord) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO batches (book_id, status, record, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(book_id) DO UPDATE SET
    status = excluded.status,
    record = excluded.record,
    updated_at = excluded.updated_at`,
		b.BookID, string(b.Status), data, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put batch %s: %w", b.BookID, err)
	}
	return nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context) ([]BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM batches ORDER BY book_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		var b BatchRecord
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to decode batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const chunkColumns = `batch_id, chunk_id, idx, start_off, end_off, page_ids, text, overflow, status, retry_count, last_error, error_kind, audio_path, audio_format, sample_rate, fingerprint, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*ChunkState, error) {
	var (
		cs                      ChunkState
		pageIDs                 string
		status                  string
		lastErr, errKind, audio sql.NullString
		format, fingerprint     sql.NullString
	)
	if err := row.Scan(
		&cs.BatchID, &cs.ChunkID, &cs.Index, &cs.Start, &cs.End, &pageIDs, &cs.Text, &cs.Overflow,
		&status, &cs.RetryCount, &lastErr, &errKind, &audio, &format, &cs.SampleRate, &fingerprint, &cs.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pageIDs), &cs.PageIDs); err != nil {
		return nil, fmt.Errorf("failed to decode page ids: %w", err)
	}
	cs.Status = ChunkStatus(status)
	cs.LastError = lastErr.String
	cs.ErrorKind = ErrorKind(errKind.String)
	cs.AudioPath = audio.String
	cs.AudioFormat = format.String
	cs.Fingerprint = fingerprint.String
	return &cs, nil
}
