package boltdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "chain", "node.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeBlock(index uint32, prev types.Hash, txs ...*block.Transaction) *block.Block {
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return &block.Block{
		Header: block.Header{
			Index:      index,
			PrevHash:   prev,
			Timestamp:  uint64(1000 + index),
			MerkleRoot: block.MerkleRoot(hashes),
		},
		Transactions: txs,
		Signatures:   []block.CommitSignature{{Validator: 0, Signature: []byte{1, 2, 3}}},
	}
}

func TestEmptyStoreHasNoTip(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Tip(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Tip err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBlock(context.Background(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBlock err = %v, want ErrNotFound", err)
	}
}

func TestPutBlockChainsAndIndexes(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	genesis := makeBlock(0, types.ZeroHash)
	if err := s.PutBlock(ctx, genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}
	tx := &block.Transaction{Nonce: 1, SystemFee: 5, Script: []byte{0x51}}
	b1 := makeBlock(1, genesis.Hash(), tx)
	if err := s.PutBlock(ctx, b1); err != nil {
		t.Fatalf("put block 1: %v", err)
	}

	tip, err := s.Tip(ctx)
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if tip.Height != 1 || tip.Hash != b1.Hash() || tip.Timestamp != 1001 {
		t.Fatalf("tip = %+v", tip)
	}

	got, err := s.GetBlockByHash(ctx, b1.Hash())
	if err != nil {
		t.Fatalf("GetBlockByHash: %v", err)
	}
	if got.Hash() != b1.Hash() || len(got.Transactions) != 1 || got.Transactions[0].Hash() != tx.Hash() {
		t.Fatal("stored block differs")
	}

	// gap
	if err := s.PutBlock(ctx, makeBlock(3, b1.Hash())); !errors.Is(err, ErrNonContiguous) {
		t.Fatalf("gap err = %v", err)
	}
	// fork
	if err := s.PutBlock(ctx, makeBlock(2, genesis.Hash())); !errors.Is(err, ErrNonContiguous) {
		t.Fatalf("fork err = %v", err)
	}
}

func TestRoundStateClearedByCommittedBlock(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	genesis := makeBlock(0, types.ZeroHash)
	if err := s.PutBlock(ctx, genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	if err := s.SaveRound(ctx, 1, []byte("round-1")); err != nil {
		t.Fatalf("SaveRound: %v", err)
	}
	data, err := s.LoadRound(ctx)
	if err != nil || string(data) != "round-1" {
		t.Fatalf("LoadRound = %q, %v", data, err)
	}

	if err := s.PutBlock(ctx, makeBlock(1, genesis.Hash())); err != nil {
		t.Fatalf("put block 1: %v", err)
	}
	data, err = s.LoadRound(ctx)
	if err != nil || data != nil {
		t.Fatalf("round state survived commit: %q, %v", data, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutBlock(ctx, makeBlock(5, types.ZeroHash)); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if err := s.SaveRound(ctx, 6, []byte{9}); err != nil {
		t.Fatalf("SaveRound: %v", err)
	}
	s.Close()

	s, err = Open(Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	tip, err := s.Tip(ctx)
	if err != nil || tip.Height != 5 {
		t.Fatalf("tip after reopen = %+v, %v", tip, err)
	}
	data, _ := s.LoadRound(ctx)
	if len(data) != 1 || data[0] != 9 {
		t.Fatalf("round after reopen = %v", data)
	}
}
