package lstore

import (
	"path/filepath"
	"sync/atomic"

	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb"
	"github.com/ValentinKolb/hashDB/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("store")

// shared is one open database and the number of handles using it
type shared struct {
	db   *hashdb.DB
	refs atomic.Int64
}

// Registry shares open databases between callers. A database is opened by the first
// Acquire for its directory and closed by the last Release.
//
// Thread-safety: All methods are safe for concurrent use.
type Registry struct {
	open *xsync.MapOf[string, *shared]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{open: xsync.NewMapOf[string, *shared]()}
}

// Handle is one reference to a shared database. It implements store.IStore.
type Handle struct {
	store.IStore

	db       *hashdb.DB
	key      string
	registry *Registry
	released atomic.Bool
}

// DB returns the underlying database, e.g. for cache eviction or metrics.
func (h *Handle) DB() *hashdb.DB {
	return h.db
}

// Acquire returns a handle to the database described by opts, opening it if no other
// handle is held. With destroyFirst all existing data is removed before opening, which
// is only allowed while no handle to the database is held.
func (r *Registry) Acquire(opts *hashdb.Options, destroyFirst bool) (*Handle, error) {
	if opts == nil {
		return nil, store.NewError(store.RetCConfigError, "options are required")
	}
	key, err := filepath.Abs(opts.FilesDirectory)
	if err != nil {
		return nil, store.NewError(store.RetCConfigError, err.Error())
	}

	var acquireErr error
	entry, ok := r.open.Compute(key, func(cur *shared, loaded bool) (*shared, bool) {
		if loaded {
			if destroyFirst {
				acquireErr = store.NewError(store.RetCInvalidOperation, "cannot destroy a database that is in use")
				return cur, false
			}
			cur.refs.Add(1)
			return cur, false
		}

		if destroyFirst {
			if err := hashdb.Destroy(opts); err != nil {
				acquireErr = store.FromDBError(errors.Wrapf(err, "destroy %s", key))
				return nil, true
			}
		}
		database, err := hashdb.Open(opts)
		if err != nil {
			acquireErr = store.FromDBError(err)
			return nil, true
		}
		log.Infof("opened shared database %s", key)
		entry := &shared{db: database}
		entry.refs.Store(1)
		return entry, false
	})
	if acquireErr != nil {
		return nil, acquireErr
	}
	if !ok {
		return nil, store.NewError(store.RetCInternalError, "database vanished while acquiring "+key)
	}

	return &Handle{
		IStore:   NewLocalStore(entry.db),
		db:       entry.db,
		key:      key,
		registry: r,
	}, nil
}

// Release gives up the handle. The database is closed when the last handle is released.
// Releasing a handle twice returns an error and has no other effect.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return store.NewError(store.RetCInvalidOperation, "handle already released")
	}

	var closeErr error
	h.registry.open.Compute(h.key, func(cur *shared, loaded bool) (*shared, bool) {
		if !loaded {
			return nil, true
		}
		if cur.refs.Add(-1) > 0 {
			return cur, false
		}
		if err := cur.db.Close(); err != nil {
			closeErr = store.FromDBError(err)
		}
		log.Infof("closed shared database %s", h.key)
		return nil, true
	})
	return closeErr
}

// Refs returns the number of handles held for the database in dir
func (r *Registry) Refs(dir string) int {
	key, err := filepath.Abs(dir)
	if err != nil {
		return 0
	}
	if entry, ok := r.open.Load(key); ok {
		return int(entry.refs.Load())
	}
	return 0
}
