package store

import (
	"database/sql"

	"github.com/vireo/runnerd/errors"
)

// KVGet returns a single scratch entry, or ErrNotFound
func (s *Store) KVGet(namespace, key string) (*KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e KVEntry
	err := s.db.QueryRow(
		"SELECT namespace, key, value, updated_at FROM kv WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&e.Namespace, &e.Key, &e.Value, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFound("kv %s/%s", namespace, key)
		}
		return nil, errors.Wrap(err, "kv get")
	}
	return &e, nil
}

// KVSet upserts a scratch entry, last write wins
func (s *Store) KVSet(namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, namespace, key, value, now())
	return errors.Wrap(err, "kv set")
}
