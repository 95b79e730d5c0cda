package store

import (
	"errors"

	"lsmkv/pkg/dberrors"
)

// PutString stores value under key, stamped with the DB clock.
func (db *DB) PutString(key, value string) error {
	return db.Set([]byte(key), []byte(value), db.Now())
}

// GetString returns the live value of key.
func (db *DB) GetString(key string) (string, bool, error) {
	v, err := db.Value([]byte(key))
	if errors.Is(err, dberrors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// DeleteString deletes key, stamped with the DB clock.
func (db *DB) DeleteString(key string) error {
	return db.Delete([]byte(key), db.Now())
}
