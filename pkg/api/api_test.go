package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/config"
	consensusapi "github.com/r3e-network/neo-dbft/pkg/consensus/api"
	"github.com/r3e-network/neo-dbft/pkg/ledger"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/storage/boltdb"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

type fakeConsensus struct {
	mu        sync.Mutex
	status    consensusapi.EngineStatus
	published []*block.Transaction
}

func (f *fakeConsensus) GetStatus() consensusapi.EngineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConsensus) IsRunning() bool { return f.GetStatus().Running }

func (f *fakeConsensus) PublishTransaction(ctx context.Context, tx *block.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, tx)
	return nil
}

type fakePeers struct{ connected int }

func (p fakePeers) ID() peer.ID                { return peer.ID("node-a") }
func (p fakePeers) Addrs() []string            { return []string{"/ip4/127.0.0.1/tcp/20333"} }
func (p fakePeers) GetConnectedPeerCount() int { return p.connected }

type fixture struct {
	server    *Server
	handler   http.Handler
	store     *boltdb.Store
	ledger    *ledger.Ledger
	pool      *mempool.Mempool
	consensus *fakeConsensus
}

func committee() [][]byte {
	keys := make([][]byte, 4)
	for i := range keys {
		keys[i] = bytes.Repeat([]byte{byte(i + 1)}, 32)
	}
	return keys
}

func newFixture(t *testing.T, mutate func(*config.APIConfig)) *fixture {
	t.Helper()
	store, err := boltdb.Open(boltdb.Options{Path: filepath.Join(t.TempDir(), "chain.db"), Timeout: time.Second})
	if err != nil {
		t.Fatalf("boltdb.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	led, err := ledger.Open(context.Background(), store, ledger.Config{
		Validators:       committee(),
		GenesisTimestamp: 1_700_000_000_000,
	}, nil, utils.CreateTestLogger())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	pool := mempool.New(mempool.DefaultConfig(), utils.CreateTestLogger())
	pool.SetHeight(led.CurrentHeight)

	cfg := config.DefaultAPIConfig()
	cfg.Enabled = true
	cfg.RateLimitEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	fc := &fakeConsensus{status: consensusapi.EngineStatus{
		Running: true,
		NodeID:  "node-a",
		Height:  1,
		View:    2,
		State:   "Backup",
	}}
	srv, err := NewServer(Dependencies{
		Config:    cfg,
		Logger:    utils.CreateTestLogger(),
		Chain:     led,
		Blocks:    store,
		Pool:      pool,
		Consensus: fc,
		Peers:     fakePeers{connected: 3},
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &fixture{server: srv, handler: srv.Handler(), store: store, ledger: led, pool: pool, consensus: fc}
}

func (f *fixture) do(t *testing.T, method, path string, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, resp
}

func decodeData(t *testing.T, resp Response, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

func testTx(nonce uint32) *block.Transaction {
	return &block.Transaction{
		Nonce:      nonce,
		Sender:     []byte("alice"),
		NetworkFee: 10,
		Script:     []byte{0x01, 0x02},
	}
}

func encodeTxBody(t *testing.T, tx *block.Transaction) string {
	t.Helper()
	raw, err := block.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("EncodeTransaction: %v", err)
	}
	return `{"tx":"` + hex.EncodeToString(raw) + `"}`
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("code=%d resp=%+v", rec.Code, resp)
	}
	id := rec.Header().Get(HeaderRequestID)
	if id == "" || resp.Meta == nil || resp.Meta.RequestID != id {
		t.Fatalf("request id header %q meta %+v", id, resp.Meta)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(HeaderRequestID, "client-supplied_1")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(HeaderRequestID); got != "client-supplied_1" {
		t.Fatalf("request id = %q", got)
	}
}

func TestReadyFollowsEngine(t *testing.T) {
	f := newFixture(t, nil)
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready code = %d", rec.Code)
	}
	f.consensus.mu.Lock()
	f.consensus.status.Running = false
	f.consensus.mu.Unlock()
	rec, resp := f.do(t, http.MethodGet, "/api/v1/ready", "")
	if rec.Code != http.StatusServiceUnavailable || resp.Success {
		t.Fatalf("code=%d success=%v", rec.Code, resp.Success)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var st StatusResponse
	decodeData(t, resp, &st)
	if st.NodeID != "node-a" || st.Height != 1 || st.View != 2 || st.State != "Backup" {
		t.Fatalf("status = %+v", st)
	}
	if st.Chain.Height != 0 || st.Chain.Hash != f.ledger.CurrentHash().String() {
		t.Fatalf("chain = %+v", st.Chain)
	}
}

func TestBlockEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/blocks/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest code = %d", rec.Code)
	}
	var genesis BlockResponse
	decodeData(t, resp, &genesis)
	if genesis.Height != 0 || genesis.Timestamp != 1_700_000_000_000 {
		t.Fatalf("genesis = %+v", genesis)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/v1/blocks/0", "")
	var byHeight BlockResponse
	decodeData(t, resp, &byHeight)
	if rec.Code != http.StatusOK || byHeight.Hash != genesis.Hash {
		t.Fatalf("by height code=%d hash=%s", rec.Code, byHeight.Hash)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/v1/blocks/hash/"+genesis.Hash, "")
	var byHash BlockResponse
	decodeData(t, resp, &byHash)
	if rec.Code != http.StatusOK || byHash.Height != 0 {
		t.Fatalf("by hash code=%d block=%+v", rec.Code, byHash)
	}

	if rec, resp := f.do(t, http.MethodGet, "/api/v1/blocks/7", ""); rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != utils.CodeNotFound {
		t.Fatalf("missing block code=%d err=%+v", rec.Code, resp.Error)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/blocks/-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad height code = %d", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/blocks/hash/abcd", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("short hash code = %d", rec.Code)
	}
}

func TestValidators(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/validators", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var out ValidatorListResponse
	decodeData(t, resp, &out)
	if len(out.Validators) != 4 || out.F != 1 || out.M != 3 {
		t.Fatalf("validators = %+v", out)
	}
	// height 1, view 2: (1-2) mod 4 = 3
	for _, v := range out.Validators {
		if v.Primary != (v.Index == 3) {
			t.Fatalf("primary flag wrong for %+v", v)
		}
	}
}

func TestSubmitTransaction(t *testing.T) {
	f := newFixture(t, nil)
	tx := testTx(1)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/transactions", encodeTxBody(t, tx))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit code=%d body=%s", rec.Code, rec.Body.String())
	}
	var out SubmitTxResponse
	decodeData(t, resp, &out)
	if out.Hash != tx.Hash().String() {
		t.Fatalf("hash = %s", out.Hash)
	}
	if _, ok := f.pool.Get(tx.Hash()); !ok {
		t.Fatal("transaction not pooled")
	}
	if len(f.consensus.published) != 1 {
		t.Fatalf("published = %d", len(f.consensus.published))
	}

	if rec, _ := f.do(t, http.MethodPost, "/api/v1/transactions", encodeTxBody(t, tx)); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate code = %d", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/transactions/"+tx.Hash().String(), ""); rec.Code != http.StatusOK {
		t.Fatalf("pool lookup code = %d", rec.Code)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/v1/mempool", "")
	var pool MempoolResponse
	decodeData(t, resp, &pool)
	if rec.Code != http.StatusOK || pool.Count != 1 {
		t.Fatalf("mempool = %+v", pool)
	}
}

func TestSubmitTransactionRejects(t *testing.T) {
	f := newFixture(t, nil)
	noScript := testTx(2)
	noScript.Script = nil

	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"bad hex", `{"tx":"zz"}`, http.StatusBadRequest},
		{"undecodable", `{"tx":"ff00"}`, http.StatusBadRequest},
		{"invalid tx", encodeTxBody(t, noScript), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec, _ := f.do(t, http.MethodPost, "/api/v1/transactions", tc.body); rec.Code != tc.code {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tc.code, rec.Body.String())
			}
		})
	}
	if len(f.consensus.published) != 0 {
		t.Fatal("rejected transaction was gossiped")
	}
}

func TestSubmitDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.EnableTxSubmit = false })
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", strings.NewReader(encodeTxBody(t, testTx(1))))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed && rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestPeers(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/peers", "")
	var out PeersResponse
	decodeData(t, resp, &out)
	if rec.Code != http.StatusOK || out.Connected != 3 || len(out.Addrs) != 1 {
		t.Fatalf("peers = %+v", out)
	}
}

func TestIPAllowlist(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.IPAllowlist = []string{"10.0.0.0/8"} })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", "10.1.1.1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("spoofed forwarded-for code = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "10.2.3.4:4000"
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed code = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) {
		c.RateLimitEnabled = true
		c.RateLimitPerMinute = 60
		c.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		if rec, _ := f.do(t, http.MethodGet, "/api/v1/health", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d code = %d", i, rec.Code)
		}
	}
	rec, resp := f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusTooManyRequests || resp.Error == nil || resp.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code=%d err=%+v", rec.Code, resp.Error)
	}
	if rec.Header().Get(HeaderRateLimitRemaining) != "0" {
		t.Fatal("remaining header missing")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 1})
	rl.now = func() time.Time { return now }

	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := rl.Allow("a"); ok {
		t.Fatal("burst exceeded")
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatal("buckets are not per client")
	}
	now = now.Add(time.Second)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("token not refilled after one second")
	}

	now = now.Add(time.Hour)
	rl.Cleanup(time.Minute)
	if rl.Tracked() != 0 {
		t.Fatalf("tracked = %d", rl.Tracked())
	}
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t, func(c *config.APIConfig) { c.ListenAddr = "127.0.0.1:0" })
	addr, err := f.server.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.server.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.server.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Dependencies{}); err == nil {
		t.Fatal("missing config accepted")
	}
	cfg := config.DefaultAPIConfig()
	if _, err := NewServer(Dependencies{Config: cfg}); err == nil {
		t.Fatal("missing dependencies accepted")
	}
}
