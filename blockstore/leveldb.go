package blockstore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/loopnode/errs"
)

// levelDB implements DB over github.com/syndtr/goleveldb, the teacher's
// storage engine (storage/leveldb.go), generalized beyond the single
// block/height/tip keyspace described there.
type levelDB struct {
	db *leveldb.DB
}

// openLevelDB opens (or creates) a LevelDB database at path.
func openLevelDB(path string) (*levelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open leveldb %q: %w", path, err)
	}
	return &levelDB{db: db}, nil
}

func (l *levelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, errs.ErrNotFound
	}
	return val, err
}

func (l *levelDB) Set(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *levelDB) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *levelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *levelDB) NewBatch() Batch { return &levelBatch{db: l.db, b: new(leveldb.Batch)} }

func (l *levelDB) Close() error { return l.db.Close() }

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }

func (b *levelBatch) Delete(key []byte) { b.b.Delete(key) }

func (b *levelBatch) Write() error { return b.db.Write(b.b, nil) }

func (b *levelBatch) Reset() { b.b.Reset() }
