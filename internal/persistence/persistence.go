// Package persistence implements the opaque snapshot/restore of client
// state described in spec.md §6: transfer queue, file-lists, groups, and
// the durable nickname->IP map, each stored as one blob under its own
// named bucket (spec.md §9 open question 5: an explicit, named set instead
// of a positional slice of "everything after index 5"). Client config is
// not one of these buckets: it already has a durable home in the yaml
// settings file LoadConfig/Config.Save read and write, so this store
// only carries the state that has nowhere else to live between restarts.
package persistence

import (
	"time"

	"github.com/boltdb/bolt"
)

// Bucket names. Each one holds exactly one key ("snapshot") whose value is
// a caller-supplied serialized blob; the serialization format itself is
// left to the caller per spec.md §6.
var (
	BucketQueue    = []byte("queue")
	BucketUserIPs  = []byte("userips")
	BucketGroups   = []byte("groups")
	BucketFileList = []byte("filelist")
)

var snapshotKey = []byte("snapshot")

var allBuckets = [][]byte{BucketQueue, BucketUserIPs, BucketGroups, BucketFileList}

// Store is a boltdb-backed key/value snapshot file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the settings-directory database file, creating
// every named bucket if this is a fresh file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes blob to the named bucket's snapshot key, replacing whatever
// was there.
func (s *Store) Save(bucket []byte, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(snapshotKey, blob)
	})
}

// Load reads the named bucket's snapshot blob. A nil slice with a nil error
// means the bucket has never been written.
func (s *Store) Load(bucket []byte) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(snapshotKey)
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// Reset clears every named bucket, used when the implementer wants a clean
// slate instead of the original's `del var[5:]` positional-slice approach.
func (s *Store) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}
