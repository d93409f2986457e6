package ledger

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/storage/boltdb"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

func committee(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = bytes.Repeat([]byte{byte(i + 1)}, 32)
	}
	return keys
}

func openLedger(t *testing.T, path string) (*Ledger, *boltdb.Store) {
	t.Helper()
	store, err := boltdb.Open(boltdb.Options{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l, err := Open(context.Background(), store, Config{Validators: committee(4), GenesisTimestamp: 1700000000000}, nil, utils.CreateTestLogger())
	if err != nil {
		store.Close()
		t.Fatalf("open ledger: %v", err)
	}
	return l, store
}

func next(l *Ledger, sigs int) *block.Block {
	b := &block.Block{Header: block.Header{
		Index:     l.CurrentHeight() + 1,
		PrevHash:  l.CurrentHash(),
		Timestamp: l.CurrentTimestamp() + 1000,
	}}
	for i := 0; i < sigs; i++ {
		b.Signatures = append(b.Signatures, block.CommitSignature{Validator: types.ValidatorIndex(i), Signature: []byte{byte(i)}})
	}
	return b
}

func TestOpenWritesDeterministicGenesis(t *testing.T) {
	dir := t.TempDir()
	a, sa := openLedger(t, filepath.Join(dir, "a.db"))
	defer sa.Close()
	b, sb := openLedger(t, filepath.Join(dir, "b.db"))
	defer sb.Close()

	if a.CurrentHeight() != 0 || a.CurrentHash() != b.CurrentHash() {
		t.Fatalf("genesis differs: %s vs %s", a.CurrentHash(), b.CurrentHash())
	}
	if a.CurrentTimestamp() != 1700000000000 {
		t.Fatalf("genesis timestamp = %d", a.CurrentTimestamp())
	}
}

func TestPersistBlockExtendsTipAndRunsHooks(t *testing.T) {
	ctx := context.Background()
	l, store := openLedger(t, filepath.Join(t.TempDir(), "l.db"))
	defer store.Close()

	var seen []uint32
	l.OnPersist(func(_ context.Context, b *block.Block) { seen = append(seen, b.Index()) })

	b1 := next(l, 3)
	if err := l.PersistBlock(ctx, b1); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}
	if l.CurrentHeight() != 1 || l.CurrentHash() != b1.Hash() {
		t.Fatal("tip not advanced")
	}
	// same block again is accepted silently
	if err := l.PersistBlock(ctx, b1); err != nil {
		t.Fatalf("re-persist: %v", err)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("hooks saw %v", seen)
	}

	stale := next(l, 3)
	stale.Header.PrevHash = types.Hash256([]byte("other"))
	if err := l.PersistBlock(ctx, stale); err == nil {
		t.Fatal("expected error for block not linking to tip")
	}
	if err := l.PersistBlock(ctx, next(l, 2)); err == nil {
		t.Fatal("expected error for block below quorum of signatures")
	}

	got, err := l.GetBlock(ctx, 1)
	if err != nil || got.Hash() != b1.Hash() {
		t.Fatalf("GetBlock = %v, %v", got, err)
	}
}

func TestReopenResumesFromTip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "l.db")
	l, store := openLedger(t, path)
	b1 := next(l, 3)
	if err := l.PersistBlock(ctx, b1); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}
	store.Close()

	l, store = openLedger(t, path)
	defer store.Close()
	if l.CurrentHeight() != 1 || l.CurrentHash() != b1.Hash() {
		t.Fatalf("tip after reopen = %d %s", l.CurrentHeight(), l.CurrentHash())
	}
	keys, _ := l.DesignatedValidators(2)
	keys[0][0] = 0xff
	again, _ := l.DesignatedValidators(2)
	if again[0][0] == 0xff {
		t.Fatal("DesignatedValidators exposes internal keys")
	}
}

// flakyStore fails the first failures writes after genesis.
type flakyStore struct {
	*boltdb.Store
	failures int
	writes   int
}

func (f *flakyStore) PutBlock(ctx context.Context, b *block.Block) error {
	if b.Index() > 0 {
		f.writes++
		if f.failures > 0 {
			f.failures--
			return errors.New("disk busy")
		}
	}
	return f.Store.PutBlock(ctx, b)
}

func TestPersistBlockRetriesStoreWrites(t *testing.T) {
	store, err := boltdb.Open(boltdb.Options{Path: filepath.Join(t.TempDir(), "f.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	fs := &flakyStore{Store: store, failures: 2}
	l, err := Open(context.Background(), fs, Config{Validators: committee(4), GenesisTimestamp: 1700000000000}, nil, utils.CreateTestLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	if err := l.PersistBlock(context.Background(), next(l, 3)); err != nil {
		t.Fatalf("persist after transient failures: %v", err)
	}
	if fs.writes != 3 || l.CurrentHeight() != 1 {
		t.Fatalf("writes=%d height=%d", fs.writes, l.CurrentHeight())
	}

	fs.failures = 5
	err = l.PersistBlock(context.Background(), next(l, 3))
	if utils.GetErrorCode(err) != utils.CodePersistFailed {
		t.Fatalf("persist with failing store = %v", err)
	}
	if l.CurrentHeight() != 1 {
		t.Fatalf("tip advanced to %d on failed write", l.CurrentHeight())
	}
}
