// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package nodedb caches the distribution ports of remote nodes, as resolved via
// their hosts' port mapper daemons, to avoid a daemon round trip on every dial.
package nodedb

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/coronanet/go-erldist/params"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	dbPortPrefix = []byte("port-") // port-<host>/<name> -> entry

	// ErrNotFound is returned if a node is not cached or its entry expired.
	ErrNotFound = errors.New("node not cached")
)

// Entry is a cached port resolution.
type Entry struct {
	Host     string    `json:"-"`
	Name     string    `json:"-"`
	Port     uint16    `json:"port"`
	Resolved time.Time `json:"resolved"`
}

// Config can be used to fine tune the node cache.
type Config struct {
	Path   string        // Database directory (empty = in memory)
	Expiry time.Duration // Time an entry is trusted for (0 = default)

	Logger log.Logger // Logger to allow injecting contextual tags
}

// DB is a persistent cache of resolved node ports.
type DB struct {
	database *leveldb.DB   // Database to avoid custom file formats for storage
	expiry   time.Duration // Time an entry is trusted for
	logger   log.Logger

	now func() time.Time // Clock, replaceable in tests
}

// New opens or creates a node cache.
func New(config Config) (*DB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if config.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(config.Path, &opt.Options{})
	}
	if err != nil {
		return nil, err
	}
	if config.Expiry == 0 {
		config.Expiry = params.ResolveCacheExpiry
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	return &DB{
		database: db,
		expiry:   config.Expiry,
		logger:   config.Logger,
		now:      time.Now,
	}, nil
}

// Close flushes and closes the database.
func (db *DB) Close() error {
	return db.database.Close()
}

// key assembles the database key of a node.
func key(host, name string) []byte {
	return append(append([]byte{}, dbPortPrefix...), host+"/"+name...)
}

// Lookup retrieves the cached port of a node. Expired entries are dropped and
// reported as missing.
func (db *DB) Lookup(host, name string) (uint16, error) {
	blob, err := db.database.Get(key(host, name), nil)
	if err != nil {
		return 0, ErrNotFound
	}
	entry := new(Entry)
	if err := json.Unmarshal(blob, entry); err != nil {
		db.database.Delete(key(host, name), nil)
		return 0, err
	}
	if db.now().Sub(entry.Resolved) > db.expiry {
		db.logger.Trace("Cached node port expired", "host", host, "name", name, "port", entry.Port)
		db.database.Delete(key(host, name), nil)
		return 0, ErrNotFound
	}
	return entry.Port, nil
}

// Store caches the resolved port of a node.
func (db *DB) Store(host, name string, port uint16) error {
	blob, err := json.Marshal(&Entry{Port: port, Resolved: db.now()})
	if err != nil {
		return err
	}
	return db.database.Put(key(host, name), blob, nil)
}

// Forget drops the cached port of a node, typically after a failed dial.
func (db *DB) Forget(host, name string) error {
	return db.database.Delete(key(host, name), nil)
}

// Nodes lists all the cached entries of a host, expired ones included.
func (db *DB) Nodes(host string) ([]Entry, error) {
	prefix := append(append([]byte{}, dbPortPrefix...), host+"/"...)

	it := db.database.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var entries []Entry
	for it.Next() {
		var entry Entry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			return nil, err
		}
		entry.Host, entry.Name = host, string(it.Key()[len(prefix):])
		entries = append(entries, entry)
	}
	return entries, it.Error()
}

// Expire drops every entry older than the expiry, returning the number of nodes
// removed.
func (db *DB) Expire() (int, error) {
	it := db.database.NewIterator(util.BytesPrefix(dbPortPrefix), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		var entry Entry
		if err := json.Unmarshal(it.Value(), &entry); err != nil || db.now().Sub(entry.Resolved) > db.expiry {
			host, name := splitKey(it.Key())
			db.logger.Trace("Dropping cached node port", "host", host, "name", name)

			batch.Delete(append([]byte{}, it.Key()...))
		}
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	if batch.Len() > 0 {
		db.logger.Debug("Expiring cached node ports", "count", batch.Len())
	}
	return batch.Len(), db.database.Write(batch, nil)
}

// splitKey is the inverse of key, used for diagnostics.
func splitKey(key []byte) (string, string) {
	parts := strings.SplitN(string(key[len(dbPortPrefix):]), "/", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
