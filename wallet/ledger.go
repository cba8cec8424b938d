package wallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"path"
	"sync"

	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/crunchmesh/crunchmesh/log"
)

// Ledger is the append-only log of wallet mutations, stored as
// JSON-encoded entries in a boltdb file. Entries are keyed by insertion
// sequence so iteration replays the wallet history in order; a second
// bucket indexes entries by their content address.
//
//nolint:gocritic// We do want to have a mutex here
type Ledger struct {
	sync.Mutex
	db *bolt.DB

	log log.Logger
}

var (
	entryBucket = []byte("entries")
	indexBucket = []byte("index")
)

// LedgerFileName is the name of the file boltdb writes to
const LedgerFileName = "ledger.db"

// ledgerOpenPerm is the permission we will use to read the ledger file
// from disk
const ledgerOpenPerm = 0660

// ErrNoEntry is returned when the requested ledger entry does not exist.
var ErrNoEntry = errors.New("wallet: no ledger entry")

// NewLedger opens (or creates) the ledger database inside folder.
func NewLedger(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Ledger, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dbPath := path.Join(folder, LedgerFileName)
	db, err := bolt.Open(dbPath, ledgerOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entryBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})

	return &Ledger{
		log: l,
		db:  db,
	}, err
}

func seqToBytes(seq uint64) []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, seq)
	return buff.Bytes()
}

// Append stores the entry under the next sequence number and indexes it
// by id. It does not verify the entry: sealing is the writer's job.
func (d *Ledger) Append(ctx context.Context, e *LedgerEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		buff, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := seqToBytes(seq)
		if err := bucket.Put(key, buff); err != nil {
			d.log.Debugw("storing ledger entry", "id", e.ID, "err", err)
			return err
		}
		return tx.Bucket(indexBucket).Put([]byte(e.ID), key)
	})
}

// Len performs a big scan over the bucket and is _very_ slow - use sparingly!
func (d *Ledger) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var length = 0
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		// this `.Stats()` call is the particularly expensive one!
		length = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		d.log.Warnw("", "ledger", "error getting length", "err", err)
	}
	return length, err
}

// Last returns the most recent entry appended to the ledger.
func (d *Ledger) Last(ctx context.Context) (*LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entry := &LedgerEntry{}
	err := d.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(entryBucket).Cursor()
		_, v := cursor.Last()
		if v == nil {
			return ErrNoEntry
		}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// Find returns the entry with the given content address.
func (d *Ledger) Find(ctx context.Context, id string) (*LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entry := &LedgerEntry{}
	err := d.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(indexBucket).Get([]byte(id))
		if key == nil {
			return ErrNoEntry
		}
		v := tx.Bucket(entryBucket).Get(key)
		if v == nil {
			return ErrNoEntry
		}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// Walk calls fn on every entry in append order. Returning an error from
// fn stops the walk and surfaces the error.
func (d *Ledger) Walk(ctx context.Context, fn func(*LedgerEntry) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return d.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(entryBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			entry := &LedgerEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return err
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Ledger) Close(context.Context) error {
	err := d.db.Close()
	if err != nil {
		d.log.Errorw("", "ledger", "close", "err", err)
	}
	return err
}
