package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"
)

// BuntBackend stores settings in a BuntDB file.
type BuntBackend struct {
	db *buntdb.DB
}

// OpenBuntBackend opens (or creates) the BuntDB file at path.
// The special path ":memory:" keeps the data in memory.
func OpenBuntBackend(path string) (*BuntBackend, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}
	return &BuntBackend{db: db}, nil
}

func (b *BuntBackend) Get(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", ErrNotFound
	}
	return value, err
}

func (b *BuntBackend) Set(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (b *BuntBackend) Close() error {
	return b.db.Close()
}
