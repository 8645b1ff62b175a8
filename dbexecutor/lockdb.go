package dbexecutor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teru01/lockdb/dbbuffer"
	"github.com/teru01/lockdb/dbconfig"
	"github.com/teru01/lockdb/dblock"
	"github.com/teru01/lockdb/dbstorage"
	"github.com/teru01/lockdb/dbtx"
)

// LockDB wires the page store, lock manager, buffer pool and transaction
// registry of one database.
type LockDB struct {
	Store      dbstorage.PageStore
	Locks      *dblock.LockManager
	BufferPool *dbbuffer.BufferPool
	Registry   *dbtx.Registry
	Metrics    *dblock.Metrics
}

// Open builds a LockDB from conf. Metrics are registered on reg when it is not nil.
func Open(conf dbconfig.Config, reg prometheus.Registerer) (*LockDB, error) {
	var store dbstorage.PageStore
	if conf.InMemory {
		store = dbstorage.NewMemStore(conf.PageSize)
	} else {
		if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir %q: %w", conf.DataDir, err)
		}
		var err error
		store, err = dbstorage.OpenPebbleStore(conf.DataDir, dbstorage.PebbleOptions{PageSize: conf.PageSize})
		if err != nil {
			return nil, err
		}
	}
	db, err := New(store, conf.BufferSize, reg, dblock.WithWaitTimeout(conf.LockWaitTimeout))
	if err != nil {
		store.Close()
		return nil, err
	}
	slog.Info("lockdb opened", slog.String("dir", conf.DataDir), slog.Bool("inMemory", conf.InMemory),
		slog.Int("pageSize", conf.PageSize), slog.Int("bufferSize", conf.BufferSize))
	return db, nil
}

func New(store dbstorage.PageStore, bufferSize int, reg prometheus.Registerer, opts ...dblock.Option) (*LockDB, error) {
	metrics := dblock.NewMetrics(reg)
	locks := dblock.NewLockManager(append([]dblock.Option{dblock.WithMetrics(metrics)}, opts...)...)
	bp, err := dbbuffer.NewBufferPool(store, locks, bufferSize)
	if err != nil {
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}
	return &LockDB{
		Store:      store,
		Locks:      locks,
		BufferPool: bp,
		Registry:   dbtx.NewRegistry(bp),
		Metrics:    metrics,
	}, nil
}

func (db *LockDB) Close() error {
	return db.Store.Close()
}
