// Package boltdb stores committed blocks and the in-progress consensus round
// in a single bbolt file.
package boltdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

var (
	blocksBucket = []byte("blocks")
	hashBucket   = []byte("block-hashes")
	roundBucket  = []byte("round")
	metaBucket   = []byte("meta")

	tipKey   = []byte("tip")
	roundKey = []byte("current")

	ErrNotFound      = errors.New("boltdb: not found")
	ErrNonContiguous = errors.New("boltdb: block does not extend the tip")
)

// Options configure Store.
type Options struct {
	Path    string
	Timeout time.Duration
	NoSync  bool
}

// Store persists blocks keyed by height, a hash index and the encoded
// consensus round of this node.
type Store struct {
	db *bolt.DB
}

// Tip describes the highest stored block.
type Tip struct {
	Height    uint32
	Hash      types.Hash
	Timestamp uint64
}

// Open opens/creates the store at path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("boltdb: path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("boltdb: mkdir: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, hashBucket, roundBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func heightKey(h uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, h)
	return k
}

func encodeTip(t Tip) []byte {
	out := make([]byte, 4+32+8)
	binary.BigEndian.PutUint32(out[:4], t.Height)
	copy(out[4:36], t.Hash[:])
	binary.BigEndian.PutUint64(out[36:], t.Timestamp)
	return out
}

func decodeTip(data []byte) (Tip, error) {
	if len(data) != 4+32+8 {
		return Tip{}, fmt.Errorf("boltdb: corrupt tip record (%d bytes)", len(data))
	}
	var t Tip
	t.Height = binary.BigEndian.Uint32(data[:4])
	copy(t.Hash[:], data[4:36])
	t.Timestamp = binary.BigEndian.Uint64(data[36:])
	return t, nil
}

// Tip returns the highest stored block. It returns ErrNotFound for an
// empty store.
func (s *Store) Tip(ctx context.Context) (Tip, error) {
	var tip Tip
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(tipKey)
		if v == nil {
			return ErrNotFound
		}
		var err error
		tip, err = decodeTip(v)
		return err
	})
	return tip, err
}

// PutBlock appends b. The first block may have any index; every later block
// must be tip+1 and link to the tip hash. Saved round state at or below the
// block height is dropped in the same transaction.
func (s *Store) PutBlock(ctx context.Context, b *block.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := block.EncodeBlock(b)
	if err != nil {
		return err
	}
	hash := b.Hash()
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(tipKey); v != nil {
			tip, err := decodeTip(v)
			if err != nil {
				return err
			}
			if b.Index() != tip.Height+1 || b.Header.PrevHash != tip.Hash {
				return fmt.Errorf("%w: block %d on tip %d", ErrNonContiguous, b.Index(), tip.Height)
			}
		}
		key := heightKey(b.Index())
		if err := tx.Bucket(blocksBucket).Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(hashBucket).Put(hash[:], key); err != nil {
			return err
		}
		rounds := tx.Bucket(roundBucket)
		if v := rounds.Get(roundKey); len(v) >= 4 && binary.BigEndian.Uint32(v[:4]) <= b.Index() {
			if err := rounds.Delete(roundKey); err != nil {
				return err
			}
		}
		return meta.Put(tipKey, encodeTip(Tip{Height: b.Index(), Hash: hash, Timestamp: b.Header.Timestamp}))
	})
}

// GetBlock returns the block at height.
func (s *Store) GetBlock(ctx context.Context, height uint32) (*block.Block, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(heightKey(height))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return block.DecodeBlock(data)
}

// GetBlockByHash returns the block with the given header hash.
func (s *Store) GetBlockByHash(ctx context.Context, hash types.Hash) (*block.Block, error) {
	var height uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(hashBucket).Get(hash[:])
		if len(v) != 4 {
			return ErrNotFound
		}
		height = binary.BigEndian.Uint32(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBlock(ctx, height)
}

// SaveRound implements types.RoundStore. Only the latest round is kept.
func (s *Store) SaveRound(ctx context.Context, height uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(rec[:4], height)
	copy(rec[4:], data)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roundBucket).Put(roundKey, rec)
	})
}

// LoadRound implements types.RoundStore. It returns nil when nothing was saved.
func (s *Store) LoadRound(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roundBucket).Get(roundKey)
		if len(v) < 4 {
			return nil
		}
		data = append([]byte(nil), v[4:]...)
		return nil
	})
	return data, err
}

var _ types.RoundStore = (*Store)(nil)
