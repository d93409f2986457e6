package round

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/consensus/validators"
	"github.com/r3e-network/neo-dbft/pkg/crypto"
)

type memStore struct {
	height uint32
	data   []byte
	saves  int
}

func (s *memStore) SaveRound(_ context.Context, height uint32, data []byte) error {
	s.height = height
	s.data = append([]byte{}, data...)
	s.saves++
	return nil
}

func (s *memStore) LoadRound(context.Context) ([]byte, error) { return s.data, nil }

type committee struct {
	snap    Snapshot
	signers []*crypto.Ed25519Signer
	nodes   []*Context
	stores  []*memStore
}

func newCommittee(t *testing.T, n int) *committee {
	t.Helper()
	c := &committee{}
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		s, err := crypto.NewSignerFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
		if err != nil {
			t.Fatalf("signer %d: %v", i, err)
		}
		c.signers = append(c.signers, s)
		keys[i] = s.PublicKey()
	}
	vs, err := validators.New(keys)
	if err != nil {
		t.Fatalf("validators: %v", err)
	}
	c.snap = Snapshot{
		Height:        10,
		PrevHash:      types.Hash256([]byte("prev")),
		PrevTimestamp: 1000,
		Validators:    vs,
		NextConsensus: vs.Hash(),
	}
	for i := 0; i < n; i++ {
		store := &memStore{}
		node := New(c.signers[i], store)
		node.Now = func() time.Time { return time.UnixMilli(5000) }
		if err := node.ResetHeight(c.snap); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		c.nodes = append(c.nodes, node)
		c.stores = append(c.stores, store)
	}
	return c
}

func sampleTxs(n int) []*block.Transaction {
	txs := make([]*block.Transaction, n)
	for i := range txs {
		txs[i] = &block.Transaction{Nonce: uint32(i + 1), SystemFee: 10, Script: []byte{0x51, byte(i)}}
	}
	return txs
}

func TestResetHeightAssignsRoles(t *testing.T) {
	c := newCommittee(t, 7)
	primary := c.nodes[0].PrimaryIndex()
	if primary != 3 {
		t.Fatalf("primary of height 10 view 0 = %d, want 3", primary)
	}
	for i, node := range c.nodes {
		if node.MyIndex != types.ValidatorIndex(i) {
			t.Fatalf("node %d got index %d", i, node.MyIndex)
		}
		if node.IsPrimary() != (types.ValidatorIndex(i) == primary) {
			t.Fatalf("node %d primary flag wrong", i)
		}
	}
	if c.nodes[0].M() != 5 || c.nodes[0].F() != 2 {
		t.Fatalf("M=%d F=%d, want 5 and 2", c.nodes[0].M(), c.nodes[0].F())
	}

	watcher := New(nil, nil)
	if err := watcher.ResetHeight(c.snap); err != nil {
		t.Fatal(err)
	}
	if !watcher.WatchOnly() || watcher.IsBackup() || watcher.IsPrimary() {
		t.Fatal("node without key should be watch-only")
	}
	ctx := context.Background()
	if _, err := watcher.MakeCommit(ctx); !errors.Is(err, ErrWatchOnly) {
		t.Fatalf("MakeCommit on watch-only: %v", err)
	}
	if _, err := watcher.MakeChangeView(ctx, types.ReasonTimeout); !errors.Is(err, ErrWatchOnly) {
		t.Fatalf("MakeChangeView on watch-only: %v", err)
	}
}

func TestProposalAdoption(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 7)
	primary, backup := c.nodes[3], c.nodes[0]

	req, err := primary.MakePrepareRequest(ctx, sampleTxs(3), 77)
	if err != nil {
		t.Fatalf("MakePrepareRequest: %v", err)
	}
	if !primary.ProposalResolved() || !primary.RequestSentOrReceived() {
		t.Fatal("primary proposal should be resolved and sent")
	}

	if err := backup.AdoptProposal(req); err != nil {
		t.Fatalf("AdoptProposal: %v", err)
	}
	if backup.ProposalHash() != primary.ProposalHash() {
		t.Fatal("backup computed a different proposal hash")
	}
	if backup.ProposalResolved() || len(backup.MissingTransactions()) != 3 {
		t.Fatal("backup should be waiting for 3 transactions")
	}
	if err := backup.AdoptProposal(req); !errors.Is(err, ErrProposalExists) {
		t.Fatalf("second adoption: %v", err)
	}
	for _, tx := range sampleTxs(3) {
		if !backup.AddTransaction(tx) {
			t.Fatal("proposal transaction not accepted")
		}
	}
	if backup.AddTransaction(sampleTxs(1)[0]) {
		t.Fatal("duplicate transaction accepted")
	}
	if backup.AddTransaction(&block.Transaction{Nonce: 99, Script: []byte{1}}) {
		t.Fatal("foreign transaction accepted")
	}
	if !backup.ProposalResolved() {
		t.Fatal("backup proposal should be resolved")
	}
	if backup.SystemFee() != 30 {
		t.Fatalf("system fee %d want 30", backup.SystemFee())
	}
	if backup.BlockSize() <= block.HeaderSize {
		t.Fatalf("block size %d too small", backup.BlockSize())
	}
}

func TestAdoptProposalRejectsTampering(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	p := c.nodes[0].PrimaryIndex()
	req, err := c.nodes[p].MakePrepareRequest(ctx, sampleTxs(2), 1)
	if err != nil {
		t.Fatal(err)
	}
	backup := c.nodes[(int(p)+1)%4]

	tampered := *req
	body := *req.Message.(*messages.PrepareRequest)
	body.Nonce++
	tampered.Message = &body
	if err := backup.AdoptProposal(&tampered); !errors.Is(err, ErrProposalMismatch) {
		t.Fatalf("tampered nonce: %v", err)
	}

	wrongSender := *req
	wrongSender.Validator = backup.MyIndex
	if err := backup.AdoptProposal(&wrongSender); !errors.Is(err, ErrProposalMismatch) {
		t.Fatalf("non-primary sender: %v", err)
	}
	if backup.RequestSentOrReceived() || backup.TransactionHashes != nil {
		t.Fatal("rejected proposal changed state")
	}
}

func TestAdoptProposalDropsMismatchedEarlyMessages(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	p := c.nodes[0].PrimaryIndex()
	primary := c.nodes[p]
	req, _ := primary.MakePrepareRequest(ctx, sampleTxs(1), 5)

	a, b := c.nodes[(int(p)+1)%4], c.nodes[(int(p)+2)%4]
	if err := a.AdoptProposal(req); err != nil {
		t.Fatal(err)
	}
	a.AddTransaction(sampleTxs(1)[0])
	good, _ := a.MakePrepareResponse(ctx)

	// b sees responses before the request: one for the real proposal and
	// one bound to a proposal the primary never made.
	fake := New(c.signers[(int(p)+3)%4], nil)
	_ = fake.ResetHeight(c.snap)
	fake.setProposal(9000, 6, []types.Hash{sampleTxs(2)[1].Hash()})
	bad, _ := fake.MakePrepareResponse(ctx)

	if !b.SetPreparation(good) || !b.SetPreparation(bad) {
		t.Fatal("early responses not stored")
	}
	if err := b.AdoptProposal(req); err != nil {
		t.Fatal(err)
	}
	if b.CountPreparations() != 2 {
		t.Fatalf("preparations %d want 2 (request + matching response)", b.CountPreparations())
	}
	if b.PreparationPayloads[bad.Validator] != nil {
		t.Fatal("mismatched response kept")
	}
}

func TestSlotsNeverRegress(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	n := c.nodes[0]
	sender := c.nodes[1]

	sender.ResetView(1)
	cv2, err := sender.MakeChangeView(ctx, types.ReasonTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if !n.SetChangeView(cv2) {
		t.Fatal("change view not stored")
	}
	if n.SetChangeView(cv2) {
		t.Fatal("same change view stored twice")
	}

	sender2 := newCommittee(t, 4).nodes[1]
	cv1, _ := sender2.MakeChangeView(ctx, types.ReasonTimeout)
	if n.SetChangeView(cv1) {
		t.Fatal("change view for an earlier view replaced a later one")
	}
	if got, _ := messages.AsChangeView(n.ChangeViewPayloads[1]); got.NewViewNumber != 2 {
		t.Fatalf("slot holds new view %d, want 2", got.NewViewNumber)
	}

	late := &messages.SignedMessage{Height: 10, View: 3, Validator: 2, Message: &messages.Commit{ProposalHash: types.Hash256([]byte("x")), BlockSignature: []byte{1}}}
	early := &messages.SignedMessage{Height: 10, View: 1, Validator: 2, Message: &messages.Commit{ProposalHash: types.Hash256([]byte("y")), BlockSignature: []byte{1}}}
	if !n.SetCommit(late) || n.SetCommit(early) {
		t.Fatal("commit slot regressed")
	}
	if n.SetCommit(late) {
		t.Fatal("duplicate commit stored")
	}
	if n.SetCommit(&messages.SignedMessage{Validator: 9, Message: late.Message}) {
		t.Fatal("out of range validator stored")
	}
}

func TestQuorumCountsOnlyCurrentView(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 7)
	p := c.nodes[0].PrimaryIndex()
	req, _ := c.nodes[p].MakePrepareRequest(ctx, nil, 1)

	observer := c.nodes[0]
	if err := observer.AdoptProposal(req); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 7; i++ {
		if types.ValidatorIndex(i) == p {
			continue
		}
		node := c.nodes[i]
		if err := node.AdoptProposal(req); err != nil {
			t.Fatal(err)
		}
		resp, err := node.MakePrepareResponse(ctx)
		if err != nil {
			t.Fatal(err)
		}
		observer.SetPreparation(resp)
		cm, err := node.MakeCommit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		observer.SetCommit(cm)
		// duplicate delivery
		observer.SetCommit(cm)
	}
	if got := observer.CountPreparations(); got != 6 {
		t.Fatalf("preparations %d want 6", got)
	}
	if got := observer.CountCommits(); got != 5 {
		t.Fatalf("commits %d want 5", got)
	}
	blk, err := observer.CreateBlock()
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if len(blk.Signatures) != observer.M() || blk.Hash() != observer.ProposalHash() {
		t.Fatal("block witness or hash wrong")
	}
	verifier := crypto.Ed25519Verifier{}
	for _, sig := range blk.Signatures {
		pub, _ := observer.Validators.PublicKey(sig.Validator)
		if !verifier.Verify(pub, blk.Hash(), sig.Signature) {
			t.Fatalf("commit signature of %d does not verify", sig.Validator)
		}
	}
	if again, _ := observer.CreateBlock(); again != blk || !observer.BlockSent() {
		t.Fatal("CreateBlock not idempotent")
	}

	observer.ResetView(1)
	if observer.CountPreparations() != 0 || observer.CountCommits() != 0 || observer.TransactionHashes != nil {
		t.Fatal("view reset kept view-scoped state")
	}
}

func TestResetViewKeepsJustifyingChangeViews(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	n := c.nodes[0]
	for i := 1; i < 4; i++ {
		cv, _ := c.nodes[i].MakeChangeView(ctx, types.ReasonTimeout)
		n.SetChangeView(cv)
	}
	if n.CountChangeViews(1) != 3 || n.CountChangeViews(2) != 0 {
		t.Fatal("change view counts wrong")
	}
	n.ResetView(1)
	if countNonNil(n.LastChangeViewPayloads) != 3 {
		t.Fatal("change views for view 1 should be kept")
	}
	if n.ViewNumber != 1 || n.PrimaryIndex() != c.nodes[1].PrimaryIndexOf(1) {
		t.Fatal("view not advanced")
	}
}

func TestViewChangingAndFailedNodes(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 7)
	n := c.nodes[0]
	if n.CountFailed() != 6 {
		t.Fatalf("failed %d, want 6 before anyone was heard", n.CountFailed())
	}
	for i := 1; i < 7; i++ {
		n.MarkSeen(types.ValidatorIndex(i), 10)
	}
	if n.CountFailed() != 0 || n.MoreThanFNodesCommittedOrLost() {
		t.Fatal("no node should count as lost")
	}
	if _, err := n.MakeChangeView(ctx, types.ReasonTimeout); err != nil {
		t.Fatal(err)
	}
	if !n.ViewChanging() || !n.NotAcceptingPayloadsDueToViewChanging() {
		t.Fatal("node should be view changing")
	}
	n.MarkSeen(1, 3)
	n.MarkSeen(2, 3)
	n.MarkSeen(4, 3)
	if !n.MoreThanFNodesCommittedOrLost() || n.NotAcceptingPayloadsDueToViewChanging() {
		t.Fatal("three lost nodes exceed f=2")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	p := c.nodes[0].PrimaryIndex()
	txs := sampleTxs(2)
	req, _ := c.nodes[p].MakePrepareRequest(ctx, txs, 3)

	idx := (int(p) + 1) % 4
	node := c.nodes[idx]
	if err := node.AdoptProposal(req); err != nil {
		t.Fatal(err)
	}
	for _, tx := range txs {
		node.AddTransaction(tx)
	}
	if _, err := node.MakePrepareResponse(ctx); err != nil {
		t.Fatal(err)
	}
	commit, err := node.MakeCommit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := node.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	first := append([]byte{}, c.stores[idx].data...)
	if err := node.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, c.stores[idx].data) {
		t.Fatal("saving the same round twice produced different bytes")
	}

	restarted := New(c.signers[idx], c.stores[idx])
	if err := restarted.ResetHeight(c.snap); err != nil {
		t.Fatal(err)
	}
	ok, err := restarted.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !restarted.CommitSent() || !restarted.ResponseSent() || !restarted.ProposalResolved() {
		t.Fatal("restored round lost its own messages")
	}
	if restarted.ProposalHash() != node.ProposalHash() {
		t.Fatal("restored proposal hash differs")
	}
	again, err := restarted.MakeCommit(ctx)
	if err != nil || !bytes.Equal(again.Signature, commit.Signature) {
		t.Fatal("restored node re-signed its commit")
	}

	other := c.snap
	other.Height = 11
	fresh := New(c.signers[idx], c.stores[idx])
	_ = fresh.ResetHeight(other)
	if ok, err := fresh.Load(ctx); ok || err != nil {
		t.Fatalf("round of another height loaded: ok=%v err=%v", ok, err)
	}
}

func TestMakeRecoveryMessage(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	p := c.nodes[0].PrimaryIndex()
	req, _ := c.nodes[p].MakePrepareRequest(ctx, nil, 1)
	node := c.nodes[(int(p)+1)%4]
	_ = node.AdoptProposal(req)
	_, _ = node.MakePrepareResponse(ctx)
	_, _ = node.MakeCommit(ctx)

	sm, err := node.MakeRecoveryMessage(ctx)
	if err != nil {
		t.Fatalf("MakeRecoveryMessage: %v", err)
	}
	rm, ok := messages.AsRecoveryMessage(sm)
	if !ok {
		t.Fatal("not a recovery message")
	}
	if len(rm.PrepareRequest) == 0 || len(rm.Preparations) != 1 || len(rm.Commits) != 1 {
		t.Fatalf("recovery content: req=%d preps=%d commits=%d", len(rm.PrepareRequest), len(rm.Preparations), len(rm.Commits))
	}
	decoded, err := messages.Decode(rm.PrepareRequest)
	if err != nil || decoded.Digest() != req.Digest() {
		t.Fatal("embedded prepare request differs")
	}
}

func TestPreparationSlotsFollowRoles(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 7)
	primary, backup := c.nodes[3], c.nodes[0]

	resp := &messages.SignedMessage{Height: 10, View: 0, Validator: 3, Message: &messages.PrepareResponse{ProposalHash: types.Hash256([]byte("early"))}}
	if backup.SetPreparation(resp) {
		t.Fatal("prepare response from the primary stored")
	}
	if backup.RequestSentOrReceived() {
		t.Fatal("proposal reported without a prepare request")
	}
	fake := &messages.SignedMessage{Height: 10, View: 0, Validator: 1, Message: &messages.PrepareRequest{Height: 10}}
	if backup.SetPreparation(fake) {
		t.Fatal("prepare request from a backup stored")
	}

	req, err := primary.MakePrepareRequest(ctx, sampleTxs(1), 5)
	if err != nil {
		t.Fatalf("MakePrepareRequest: %v", err)
	}
	if err := backup.AdoptProposal(req); err != nil {
		t.Fatalf("AdoptProposal: %v", err)
	}
	if !backup.RequestSentOrReceived() {
		t.Fatal("adopted proposal not reported")
	}
}

func TestDiscardCommitAllowsResigning(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4)
	primary, backup := c.nodes[c.nodes[0].PrimaryIndex()], c.nodes[0]
	if backup == primary {
		backup = c.nodes[1]
	}
	req, err := primary.MakePrepareRequest(ctx, sampleTxs(1), 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := backup.AdoptProposal(req); err != nil {
		t.Fatal(err)
	}
	first, err := backup.MakeCommit(ctx)
	if err != nil {
		t.Fatalf("MakeCommit: %v", err)
	}
	backup.DiscardCommit()
	if backup.CommitSent() {
		t.Fatal("discarded commit still counted as sent")
	}
	again, err := backup.MakeCommit(ctx)
	if err != nil {
		t.Fatalf("MakeCommit after discard: %v", err)
	}
	if again.Digest() != first.Digest() {
		t.Fatal("re-signed commit differs")
	}
}
