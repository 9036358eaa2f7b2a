// Package sqlstore is a sqlite-backed record store for nodes that must keep
// their data across restarts.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shirokane/kadnet/internal/dht"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	keyword    BLOB NOT NULL,
	key        BLOB NOT NULL,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (keyword, key)
);
CREATE INDEX IF NOT EXISTS records_expiry ON records (expires_at);
`

// Store implements dht.Storage on a sqlite database. A zero ttl keeps
// records forever.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Open creates or opens the database at path.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) expiry(now time.Time) int64 {
	if s.ttl <= 0 {
		return 0 // never expires
	}
	return now.Add(s.ttl).Unix()
}

func (s *Store) Get(keyword dht.NodeID) []dht.Pair {
	rows, err := s.db.Query(
		`SELECT key, value FROM records
		 WHERE keyword = ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		keyword[:], time.Now().Unix())
	if err != nil {
		return nil
	}
	defer rows.Close()
	var pairs []dht.Pair
	for rows.Next() {
		var p dht.Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil
		}
		pairs = append(pairs, p)
	}
	return pairs
}

func (s *Store) GetSpecific(keyword dht.NodeID, key []byte) ([]byte, bool) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM records
		 WHERE keyword = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)`,
		keyword[:], key, time.Now().Unix()).Scan(&value)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (s *Store) Set(keyword dht.NodeID, key, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO records (keyword, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (keyword, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		keyword[:], key, value, s.expiry(time.Now()))
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (s *Store) Delete(keyword dht.NodeID, key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM records WHERE keyword = ? AND key = ?`, keyword[:], key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *Store) Keywords() []dht.NodeID {
	rows, err := s.db.Query(
		`SELECT DISTINCT keyword FROM records WHERE expires_at = 0 OR expires_at > ?`,
		time.Now().Unix())
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keywords []dht.NodeID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil
		}
		id, err := dht.IDFromBytes(raw)
		if err != nil {
			continue
		}
		keywords = append(keywords, id)
	}
	return keywords
}

// Prune removes expired rows, satisfying dht.Pruner.
func (s *Store) Prune() int {
	res, err := s.db.Exec(
		`DELETE FROM records WHERE expires_at != 0 AND expires_at <= ?`,
		time.Now().Unix())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}
