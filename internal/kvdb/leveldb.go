package kvdb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the durable backend: a thin adapter over syndtr/goleveldb,
// the teacher's own on-disk KeyValueStore implementation
// (ethdb/leveldb's wrapping idiom).
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) a leveldb store at dir.
func OpenLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Put(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *LevelDB) Delete(key []byte) error     { return l.db.Delete(key, nil) }

func (l *LevelDB) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *LevelDB) NewIterator(prefix, start []byte) Iterator {
	rng := util.BytesPrefix(prefix)
	if start != nil {
		rng.Start = start
	}
	return &ldbIterator{it: l.db.NewIterator(rng, nil)}
}

func (l *LevelDB) Close() error { return l.db.Close() }

type ldbIterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
	}
}

func (it *ldbIterator) Next() bool    { return it.it.Next() }
func (it *ldbIterator) Key() []byte   { return append([]byte(nil), it.it.Key()...) }
func (it *ldbIterator) Value() []byte { return append([]byte(nil), it.it.Value()...) }
func (it *ldbIterator) Release()      { it.it.Release() }
