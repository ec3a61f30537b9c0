// Package ldq implements the local durable queue: a per-agent, at-least-once
// persistent FIFO backed by an embedded SQLite store. The bus write-ahead log
// reuses the same record store with a different drain policy.
package ldq

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
)

// Store errors.
var (
	ErrLocked = errors.New("ldq: database is owned by another process")
	ErrClosed = errors.New("ldq: store is closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	idem     TEXT    UNIQUE NOT NULL,
	ts_ns    INTEGER NOT NULL,
	bytes    BLOB    NOT NULL,
	checksum BLOB    NOT NULL,
	retries  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts_ns);
`

// Record is one durable queue row. The same shape backs the agent LDQ and
// the bus write-ahead log.
type Record struct {
	ID       int64
	Idem     string
	TsNs     uint64
	Bytes    []byte
	Checksum []byte
	Retries  int
}

// Checksum computes the integrity digest stored beside each record's bytes.
func Checksum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Store is the embedded record store. It tracks row count and total payload
// bytes in memory so Size and SizeBytes stay cheap; the counters are seeded
// from one aggregate query at open and maintained on every mutation, which
// is safe because each store file has exactly one writer.
type Store struct {
	db       *sql.DB
	lock     *os.File
	count    int64
	sumBytes int64
}

// Open opens (or creates) a store for exclusive write ownership. A second
// writer on the same file fails with ErrLocked: multiple writers would
// corrupt the journal, so ownership is enforced with an OS-level file lock
// that dies with the process.
func Open(path string) (*Store, error) {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("ldq: open %s: %w", path, err)
	}
	// One writer, one connection: avoids SQLITE_BUSY between our own handles.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.Close()
		return nil, fmt.Errorf("ldq: init schema %s: %w", path, err)
	}

	s := &Store{db: db, lock: lock}
	if err := s.refreshCounters(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens a store for short-lived read-only queries (the ingestor
// path). No ownership lock is taken and no writes are possible.
func OpenReadOnly(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=2000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ldq: open read-only %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ldq: open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return f, nil
}

func (s *Store) refreshCounters() error {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(bytes)), 0) FROM records`)
	if err := row.Scan(&s.count, &s.sumBytes); err != nil {
		return fmt.Errorf("ldq: refresh counters: %w", err)
	}
	return nil
}

// Append inserts one record. Returns false without error when a record with
// the same idempotency key already exists.
func (s *Store) Append(idem string, tsNs uint64, data []byte) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO records (idem, ts_ns, bytes, checksum) VALUES (?, ?, ?, ?)`,
		idem, int64(tsNs), data, Checksum(data),
	)
	if err != nil {
		return false, fmt.Errorf("ldq: append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	s.count++
	s.sumBytes += int64(len(data))
	return true, nil
}

// Count returns the number of records.
func (s *Store) Count() int64 { return s.count }

// MaxID returns the highest row id, or 0 when the store is empty. Works on
// read-only handles, whose in-memory counters are never seeded.
func (s *Store) MaxID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM records`).Scan(&id); err != nil {
		return 0, fmt.Errorf("ldq: max id: %w", err)
	}
	return id.Int64, nil
}

// TotalBytes returns the summed payload size.
func (s *Store) TotalBytes() int64 { return s.sumBytes }

// SelectBatch returns up to limit records in ascending id order.
func (s *Store) SelectBatch(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, idem, ts_ns, bytes, checksum, retries FROM records ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ldq: select batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SelectSince returns up to limit records with id greater than afterID and
// ts_ns strictly greater than the given timestamp, in ascending id order.
// The ingestor advances afterID as a per-source high-water mark; without the
// id bound, a backlog larger than one batch would pin every query to the
// oldest unexpired rows and starve newer ones.
func (s *Store) SelectSince(afterID int64, tsNs uint64, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, idem, ts_ns, bytes, checksum, retries FROM records WHERE id > ? AND ts_ns > ? ORDER BY id ASC LIMIT ?`,
		afterID, int64(tsNs), limit)
	if err != nil {
		return nil, fmt.Errorf("ldq: select since: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.ID, &r.Idem, &ts, &r.Bytes, &r.Checksum, &r.Retries); err != nil {
			return nil, err
		}
		r.TsNs = uint64(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes one record by id.
func (s *Store) Delete(id int64, size int) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ldq: delete %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.count--
		s.sumBytes -= int64(size)
	}
	return nil
}

// IncrementRetries bumps the retry counter for one record.
func (s *Store) IncrementRetries(id int64) error {
	if _, err := s.db.Exec(`UPDATE records SET retries = retries + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ldq: increment retries %d: %w", id, err)
	}
	return nil
}

// DropOldest deletes lowest-id records until total payload bytes fall to the
// budget. Returns the number of dropped rows.
func (s *Store) DropOldest(maxBytes int64) (int, error) {
	dropped := 0
	for s.sumBytes > maxBytes && s.count > 0 {
		var id int64
		var size int
		row := s.db.QueryRow(`SELECT id, LENGTH(bytes) FROM records ORDER BY id ASC LIMIT 1`)
		if err := row.Scan(&id, &size); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return dropped, fmt.Errorf("ldq: drop oldest: %w", err)
		}
		if err := s.Delete(id, size); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// Close releases the database and the ownership lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.lock != nil {
		s.lock.Close()
		s.lock = nil
	}
	return err
}
