package lstore

import (
	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/store"
)

type storeImpl struct {
	db db.KVDB
}

// NewLocalStore creates a new local store instance on top of database.
// This store implementation is not distributed and only works on a single node.
// The store does not own the database, closing it is left to the caller.
func NewLocalStore(database db.KVDB) store.IStore {
	return &storeImpl{db: database}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte, async bool) error {
	if !s.db.SupportsFeature(db.FeatureSet) {
		return store.NewError(store.RetCUnsupportedOperation, "Set operation is not supported")
	}
	if async && !s.db.SupportsFeature(db.FeatureAsyncWrite) {
		return store.NewError(store.RetCUnsupportedOperation, "async writes are not supported")
	}
	return store.FromDBError(s.db.Set(key, value, async))
}

func (s *storeImpl) Delete(key string, async bool) error {
	if !s.db.SupportsFeature(db.FeatureDelete) {
		return store.NewError(store.RetCUnsupportedOperation, "Delete operation is not supported")
	}
	if async && !s.db.SupportsFeature(db.FeatureAsyncWrite) {
		return store.NewError(store.RetCUnsupportedOperation, "async writes are not supported")
	}
	return store.FromDBError(s.db.Delete(key, async))
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if !s.db.SupportsFeature(db.FeatureGet) {
		return nil, false, store.NewError(store.RetCUnsupportedOperation, "Get operation is not supported")
	}
	val, err := s.db.Get(key)
	if db.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.FromDBError(err)
	}
	return val, true, nil
}

func (s *storeImpl) Flush() error {
	if !s.db.SupportsFeature(db.FeatureFlush) {
		return store.NewError(store.RetCUnsupportedOperation, "Flush operation is not supported")
	}
	return store.FromDBError(s.db.Flush())
}

func (s *storeImpl) Compact(force bool) (db.GCResult, error) {
	if !force && !s.db.SupportsFeature(db.FeatureGarbageCollect) {
		return db.GCResult{}, store.NewError(store.RetCUnsupportedOperation, "garbage collection is disabled")
	}
	result, err := s.db.GarbageCollect(force)
	return result, store.FromDBError(err)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}
