package mempool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

func tx(nonce uint32, netFee int64) *block.Transaction {
	return &block.Transaction{
		Nonce:      nonce,
		Sender:     []byte{0xaa, byte(nonce)},
		NetworkFee: netFee,
		SystemFee:  1,
		Script:     []byte{0x51, byte(nonce)},
	}
}

func TestTopOrdersByFee(t *testing.T) {
	m := New(DefaultConfig(), utils.CreateTestLogger())
	now := time.Now()
	for i, fee := range []int64{5, 50, 20} {
		if err := m.Add(tx(uint32(i+1), fee), now); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	top := m.Top(2)
	if len(top) != 2 || top[0].NetworkFee != 50 || top[1].NetworkFee != 20 {
		t.Fatalf("unexpected order: %+v", top)
	}
	if len(m.Top(0)) != 0 {
		t.Fatal("Top(0) should be empty")
	}
}

func TestAddRejectsDuplicatesAndInvalid(t *testing.T) {
	m := New(DefaultConfig(), utils.CreateTestLogger())
	now := time.Now()
	a := tx(1, 10)
	if err := m.Add(a, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(a, now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	replay := tx(1, 99)
	replay.Sender = a.Sender
	if err := m.Add(replay, now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("nonce replay err = %v", err)
	}
	if err := m.Add(&block.Transaction{Script: nil}, now); !errors.Is(err, ErrInvalidTx) {
		t.Fatalf("invalid err = %v", err)
	}
}

func TestEvictsLowestPriorityWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTxs = 2
	m := New(cfg, utils.CreateTestLogger())
	now := time.Now()
	low, mid, high := tx(1, 1), tx(2, 10), tx(3, 100)
	for _, x := range []*block.Transaction{low, mid} {
		if err := m.Add(x, now); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := m.Add(high, now); err != nil {
		t.Fatalf("Add high: %v", err)
	}
	if _, ok := m.Get(low.Hash()); ok {
		t.Fatal("lowest fee transaction should have been evicted")
	}
	if err := m.Add(tx(4, 0), now); !errors.Is(err, ErrMempoolFull) {
		t.Fatalf("low fee into full pool err = %v", err)
	}
	if n, _ := m.Stats(); n != 2 {
		t.Fatalf("count = %d", n)
	}
}

func TestRequestTransactionsReturnsPooledOnly(t *testing.T) {
	m := New(DefaultConfig(), utils.CreateTestLogger())
	a := tx(1, 1)
	if err := m.Add(a, time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	missing := types.Hash256([]byte("missing"))
	found, err := m.RequestTransactions(context.Background(), []types.Hash{a.Hash(), missing})
	if err != nil {
		t.Fatalf("RequestTransactions: %v", err)
	}
	if len(found) != 1 || found[a.Hash()] != a {
		t.Fatalf("found = %v", found)
	}
}

func TestNotifierAndPersistedBlock(t *testing.T) {
	m := New(DefaultConfig(), utils.CreateTestLogger())
	var notified []types.Hash
	m.SetNotifier(func(tx *block.Transaction) { notified = append(notified, tx.Hash()) })

	included, expiring, kept := tx(1, 1), tx(2, 1), tx(3, 1)
	expiring.ValidUntilBlock = 5
	for _, x := range []*block.Transaction{included, expiring, kept} {
		if err := m.Add(x, time.Now()); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(notified) != 3 {
		t.Fatalf("notified %d times", len(notified))
	}

	m.OnBlockPersisted(context.Background(), &block.Block{
		Header:       block.Header{Index: 5},
		Transactions: []*block.Transaction{included},
	})
	if n, _ := m.Stats(); n != 1 {
		t.Fatalf("count after persist = %d", n)
	}
	if _, ok := m.Get(kept.Hash()); !ok {
		t.Fatal("unrelated transaction dropped")
	}

	m.SetHeight(func() uint32 { return 10 })
	late := tx(9, 1)
	late.ValidUntilBlock = 10
	if err := m.Add(late, time.Now()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired err = %v", err)
	}
}
