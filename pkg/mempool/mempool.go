package mempool

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

var (
	ErrDuplicate   = errors.New("duplicate transaction")
	ErrRateLimited = errors.New("sender rate limited")
	ErrMempoolFull = errors.New("mempool at capacity")
	ErrInvalidTx   = errors.New("invalid transaction")
	ErrExpired     = errors.New("transaction expired")
)

type Config struct {
	MaxTxs        int
	MaxBytes      int
	NonceTTL      time.Duration
	RatePerSecond int
}

// DefaultConfig returns limits suitable for a small committee.
func DefaultConfig() Config {
	return Config{
		MaxTxs:        50000,
		MaxBytes:      64 << 20,
		NonceTTL:      10 * time.Minute,
		RatePerSecond: 0,
	}
}

type entry struct {
	Tx         *block.Transaction
	Hash       types.Hash
	Sender     string
	Nonce      uint32
	NetworkFee int64
	Ts         int64
	Size       int
}

// priority ordering: higher fee per byte, higher network fee, earlier arrival, lexicographic hash
func lessPriority(a, b *entry) bool {
	// a.fee/a.size vs b.fee/b.size without division
	af := a.NetworkFee * int64(b.Size)
	bf := b.NetworkFee * int64(a.Size)
	if af != bf {
		return af > bf
	}
	if a.NetworkFee != b.NetworkFee {
		return a.NetworkFee > b.NetworkFee
	}
	if a.Ts != b.Ts {
		return a.Ts < b.Ts
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

// minHeap keeps lowest-priority element at top for eviction decisions
type minHeap []*entry

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return lessPriority(h[j], h[i]) } // reversed for min-heap
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type bucket struct {
	capacity int
	tokens   float64
	refill   float64 // tokens per second
	last     time.Time
}

func (b *bucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.refill
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.last = now
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

type senderState struct {
	bucket bucket
	nonces map[uint32]time.Time // nonce -> expiry
}

// Mempool holds verified transactions waiting for a block. It implements
// the consensus Mempool collaborator.
type Mempool struct {
	mu        sync.RWMutex
	log       *utils.Logger
	cfg       Config
	entries   map[types.Hash]*entry
	total     int     // bytes
	evictHeap minHeap // eviction heap (lowest priority at root)
	senders   map[string]*senderState
	height    func() uint32
	notify    func(*block.Transaction)
}

func New(cfg Config, log *utils.Logger) *Mempool {
	if log == nil {
		log = utils.GetLogger()
	}
	h := make(minHeap, 0)
	heap.Init(&h)
	return &Mempool{
		log:       log,
		cfg:       cfg,
		entries:   make(map[types.Hash]*entry),
		evictHeap: h,
		senders:   make(map[string]*senderState),
	}
}

// SetHeight installs the ledger height used to reject expired transactions.
func (m *Mempool) SetHeight(height func() uint32) { m.height = height }

// SetNotifier installs a callback run after each admitted transaction.
func (m *Mempool) SetNotifier(fn func(*block.Transaction)) { m.notify = fn }

// cleanup sender nonce entries that expired
func (m *Mempool) cleanupNonces(now time.Time, ss *senderState) {
	for k, exp := range ss.nonces {
		if now.After(exp) {
			delete(ss.nonces, k)
		}
	}
}

// Add admits a transaction with strict checks and bounded eviction
func (m *Mempool) Add(tx *block.Transaction, now time.Time) error {
	if tx == nil {
		return ErrInvalidTx
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	if m.height != nil && tx.ValidUntilBlock != 0 && tx.ValidUntilBlock <= m.height() {
		return ErrExpired
	}
	h := tx.Hash()
	sender := hex.EncodeToString(tx.Sender)

	if err := m.insert(tx, h, sender, now); err != nil {
		return err
	}
	if m.notify != nil {
		m.notify(tx)
	}
	return nil
}

func (m *Mempool) insert(tx *block.Transaction, h types.Hash, sender string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[h]; exists {
		return ErrDuplicate
	}

	// Sender state and nonce replay check
	ss, ok := m.senders[sender]
	if !ok {
		ss = &senderState{
			bucket: bucket{capacity: m.cfg.RatePerSecond, tokens: float64(m.cfg.RatePerSecond), refill: float64(m.cfg.RatePerSecond), last: now},
			nonces: make(map[uint32]time.Time),
		}
		m.senders[sender] = ss
	}
	m.cleanupNonces(now, ss)
	if len(tx.Sender) > 0 {
		if _, used := ss.nonces[tx.Nonce]; used {
			return ErrDuplicate
		}
	}
	if m.cfg.RatePerSecond > 0 && !ss.bucket.allow(now) {
		return ErrRateLimited
	}

	e := &entry{
		Tx:         tx,
		Hash:       h,
		Sender:     sender,
		Nonce:      tx.Nonce,
		NetworkFee: tx.NetworkFee,
		Ts:         now.UnixNano(),
		Size:       tx.Size(),
	}

	// Ensure capacity by evicting lowest priority as needed
	needBytes, needCount := m.overflow(e.Size)
	for (needBytes > 0 || needCount > 0) && m.evictHeap.Len() > 0 {
		victim := m.evictHeap[0]
		if _, ok := m.entries[victim.Hash]; !ok {
			heap.Pop(&m.evictHeap)
			continue
		}
		if !lessPriority(e, victim) {
			return ErrMempoolFull
		}

		heap.Pop(&m.evictHeap)
		delete(m.entries, victim.Hash)
		m.total -= victim.Size
		m.log.Debug("evicted transaction",
			utils.ZapString("hash", victim.Hash.Short()),
			utils.ZapInt64("network_fee", victim.NetworkFee))
		needBytes, needCount = m.overflow(e.Size)
	}

	// if still cannot add, reject
	if m.cfg.MaxTxs > 0 && len(m.entries) >= m.cfg.MaxTxs {
		return ErrMempoolFull
	}
	if m.cfg.MaxBytes > 0 && m.total+e.Size > m.cfg.MaxBytes {
		return ErrMempoolFull
	}

	m.entries[h] = e
	m.total += e.Size
	heap.Push(&m.evictHeap, e)
	if len(tx.Sender) > 0 && m.cfg.NonceTTL > 0 {
		ss.nonces[tx.Nonce] = now.Add(m.cfg.NonceTTL)
	}
	return nil
}

// overflow reports how far admitting size bytes would exceed each limit.
// A zero limit is unbounded.
func (m *Mempool) overflow(size int) (needBytes, needCount int) {
	if m.cfg.MaxBytes > 0 {
		needBytes = m.total + size - m.cfg.MaxBytes
	}
	if m.cfg.MaxTxs > 0 {
		needCount = len(m.entries) + 1 - m.cfg.MaxTxs
	}
	return needBytes, needCount
}

// Select returns deterministic ordered transactions without removing them
func (m *Mempool) Select(maxCount, maxBytes int) []*block.Transaction {
	m.mu.RLock()
	list := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return lessPriority(list[i], list[j]) })
	out := make([]*block.Transaction, 0)
	var total int
	for _, e := range list {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxBytes > 0 && total+e.Size > maxBytes {
			break
		}
		out = append(out, e.Tx)
		total += e.Size
	}
	return out
}

// Top returns up to max transactions in priority order.
func (m *Mempool) Top(max int) []*block.Transaction {
	if max <= 0 {
		return nil
	}
	return m.Select(max, 0)
}

// RequestTransactions returns the pooled transactions among hashes. The
// rest are expected to arrive later through gossip.
func (m *Mempool) RequestTransactions(ctx context.Context, hashes []types.Hash) (map[types.Hash]*block.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := make(map[types.Hash]*block.Transaction, len(hashes))
	for _, h := range hashes {
		if e, ok := m.entries[h]; ok {
			found[h] = e.Tx
		}
	}
	return found, nil
}

// Get returns a pooled transaction.
func (m *Mempool) Get(h types.Hash) (*block.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[h]
	if !ok {
		return nil, false
	}
	return e.Tx, true
}

func (m *Mempool) removeLocked(hashes []types.Hash) {
	for _, h := range hashes {
		if e, ok := m.entries[h]; ok {
			delete(m.entries, h)
			m.total -= e.Size
		}
	}
	// rebuild eviction heap to drop stale pointers
	m.evictHeap = make(minHeap, 0, len(m.entries))
	for _, e := range m.entries {
		heap.Push(&m.evictHeap, e)
	}
}

// OnBlockPersisted drops the block's transactions and any that expire at
// its height. It matches ledger.PersistHook.
func (m *Mempool) OnBlockPersisted(ctx context.Context, b *block.Block) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make([]types.Hash, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		drop = append(drop, tx.Hash())
	}
	expired := 0
	for h, e := range m.entries {
		if e.Tx.ValidUntilBlock != 0 && e.Tx.ValidUntilBlock <= b.Index() {
			drop = append(drop, h)
			expired++
		}
	}
	m.removeLocked(drop)
	if expired > 0 {
		m.log.Info("expired transactions dropped",
			utils.ZapUint32("height", b.Index()),
			utils.ZapInt("count", expired))
	}
}

// Stats returns current stats snapshot
func (m *Mempool) Stats() (count int, bytes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), m.total
}

// StatsDetailed returns count, total bytes, and the oldest arrival time (unix nanoseconds).
func (m *Mempool) StatsDetailed() (count int, bytes int, oldestTimestamp int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count = len(m.entries)
	bytes = m.total
	for _, e := range m.entries {
		if oldestTimestamp == 0 || e.Ts < oldestTimestamp {
			oldestTimestamp = e.Ts
		}
	}
	return
}
