// Package round holds the mutable state of one consensus height: the
// proposal being agreed on, the per-validator message slots and the quorum
// arithmetic over them.
package round

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/consensus/validators"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

var (
	// ErrWatchOnly is returned by the Make* builders on a node without a
	// validator key. Callers must check WatchOnly first.
	ErrWatchOnly = utils.ErrWatchOnly

	ErrNoProposal        = errors.New("round: no proposal adopted")
	ErrProposalExists    = errors.New("round: proposal already adopted")
	ErrProposalMismatch  = errors.New("round: proposal does not match round")
	ErrNotEnoughCommits  = errors.New("round: not enough commits")
	ErrUnresolvedTxs     = errors.New("round: proposal has unresolved transactions")
	ErrValidatorsMissing = errors.New("round: validator set not initialized")
)

// Snapshot is the ledger state a new height starts from.
type Snapshot struct {
	Height        uint32
	PrevHash      types.Hash
	PrevTimestamp uint64 // unix milliseconds
	Validators    *validators.ValidatorSet
	NextConsensus types.Hash
}

// Context is the state of the height being agreed on. It is owned by a
// single service and is not safe for concurrent use.
type Context struct {
	Height     uint32
	ViewNumber types.ViewNumber
	MyIndex    types.ValidatorIndex
	Validators *validators.ValidatorSet

	Version       uint32
	PrevHash      types.Hash
	PrevTimestamp uint64
	NextConsensus types.Hash
	Timestamp     uint64
	Nonce         uint64

	// TransactionHashes is nil until a proposal is adopted. Transactions
	// fills up as the hashes are resolved.
	TransactionHashes []types.Hash
	Transactions      map[types.Hash]*block.Transaction

	PreparationPayloads    []*messages.SignedMessage
	CommitPayloads         []*messages.SignedMessage
	ChangeViewPayloads     []*messages.SignedMessage
	LastChangeViewPayloads []*messages.SignedMessage

	// LastSeenMessage maps a validator key to the last height it was heard at.
	LastSeenMessage map[string]uint32

	// Now is the clock used for message timestamps.
	Now func() time.Time

	signer       types.Signer
	store        types.RoundStore
	hashIndex    map[types.Hash]struct{}
	proposalHash types.Hash
	block        *block.Block
}

// New creates an empty context. signer may be nil for a watch-only node.
func New(signer types.Signer, store types.RoundStore) *Context {
	return &Context{
		MyIndex:         types.WatchOnlyIndex,
		LastSeenMessage: make(map[string]uint32),
		Now:             time.Now,
		signer:          signer,
		store:           store,
	}
}

// N returns the validator count.
func (c *Context) N() int {
	if c.Validators == nil {
		return 0
	}
	return c.Validators.Count()
}

// F returns the number of tolerated faulty validators.
func (c *Context) F() int {
	if c.Validators == nil {
		return 0
	}
	return c.Validators.F()
}

// M returns the quorum threshold n - (n-1)/3.
func (c *Context) M() int {
	if c.Validators == nil {
		return 0
	}
	return c.Validators.M()
}

// PrimaryIndex returns the proposer of the current view.
func (c *Context) PrimaryIndex() types.ValidatorIndex {
	return c.PrimaryIndexOf(c.ViewNumber)
}

// PrimaryIndexOf returns the proposer of view at the current height.
func (c *Context) PrimaryIndexOf(view types.ViewNumber) types.ValidatorIndex {
	if c.Validators == nil {
		return types.WatchOnlyIndex
	}
	return c.Validators.PrimaryIndex(c.Height, view)
}

func (c *Context) WatchOnly() bool { return c.MyIndex < 0 }

func (c *Context) IsPrimary() bool { return !c.WatchOnly() && c.MyIndex == c.PrimaryIndex() }

func (c *Context) IsBackup() bool { return !c.WatchOnly() && c.MyIndex != c.PrimaryIndex() }

// ResetHeight starts a new height at view 0. All slots are cleared and the
// quorum threshold follows the new validator set.
func (c *Context) ResetHeight(snap Snapshot) error {
	if snap.Validators == nil {
		return ErrValidatorsMissing
	}
	if c.Validators == nil || !c.Validators.Equal(snap.Validators) {
		seen := make(map[string]uint32, snap.Validators.Count())
		for _, k := range snap.Validators.Keys() {
			if h, ok := c.LastSeenMessage[string(k)]; ok {
				seen[string(k)] = h
			}
		}
		c.LastSeenMessage = seen
	}
	c.Validators = snap.Validators
	c.Height = snap.Height
	c.PrevHash = snap.PrevHash
	c.PrevTimestamp = snap.PrevTimestamp
	c.NextConsensus = snap.NextConsensus
	c.MyIndex = types.WatchOnlyIndex
	if c.signer != nil {
		c.MyIndex = c.Validators.IndexOf(c.signer.PublicKey())
	}

	n := c.Validators.Count()
	c.ChangeViewPayloads = make([]*messages.SignedMessage, n)
	c.LastChangeViewPayloads = make([]*messages.SignedMessage, n)
	c.CommitPayloads = make([]*messages.SignedMessage, n)
	c.block = nil
	c.resetView(0)
	return nil
}

// ResetView moves to view within the current height. Change views that
// already point at view or beyond are kept as LastChangeViewPayloads; the
// preparation and commit slots are cleared.
func (c *Context) ResetView(view types.ViewNumber) {
	for i, sm := range c.ChangeViewPayloads {
		if cv, ok := messages.AsChangeView(sm); ok && cv.NewViewNumber >= view {
			c.LastChangeViewPayloads[i] = sm
		} else {
			c.LastChangeViewPayloads[i] = nil
		}
	}
	c.CommitPayloads = make([]*messages.SignedMessage, c.N())
	c.resetView(view)
}

func (c *Context) resetView(view types.ViewNumber) {
	c.ViewNumber = view
	c.Timestamp = 0
	c.Nonce = 0
	c.TransactionHashes = nil
	c.Transactions = nil
	c.hashIndex = nil
	c.proposalHash = types.ZeroHash
	c.PreparationPayloads = make([]*messages.SignedMessage, c.N())
	if !c.WatchOnly() {
		c.LastSeenMessage[string(c.myKey())] = c.Height
	}
}

func (c *Context) myKey() []byte {
	k, err := c.Validators.PublicKey(c.MyIndex)
	if err != nil {
		return nil
	}
	return k
}

// MarkSeen records that validator i sent a message for height.
func (c *Context) MarkSeen(i types.ValidatorIndex, height uint32) {
	k, err := c.Validators.PublicKey(i)
	if err != nil {
		return
	}
	c.LastSeenMessage[string(k)] = height
}

// setSlot guards every slot write coming from the network. A message never
// replaces one of a higher view from the same validator.
func setSlot(slots []*messages.SignedMessage, sm *messages.SignedMessage, replaceSameView bool) bool {
	i := int(sm.Validator)
	if i < 0 || i >= len(slots) {
		return false
	}
	if prev := slots[i]; prev != nil {
		if prev.View > sm.View || (prev.View == sm.View && !replaceSameView) {
			return false
		}
	}
	slots[i] = sm
	return true
}

// SetPreparation stores a PrepareRequest from the primary of its view or a
// PrepareResponse from a backup. The first preparation of a validator in a
// view wins.
func (c *Context) SetPreparation(sm *messages.SignedMessage) bool {
	fromPrimary := sm.Validator == c.PrimaryIndexOf(sm.View)
	switch sm.Message.(type) {
	case *messages.PrepareRequest:
		if !fromPrimary {
			return false
		}
	case *messages.PrepareResponse:
		if fromPrimary {
			return false
		}
	default:
		return false
	}
	return setSlot(c.PreparationPayloads, sm, false)
}

// SetCommit stores a Commit. The first commit of a validator in a view wins.
func (c *Context) SetCommit(sm *messages.SignedMessage) bool {
	if _, ok := messages.AsCommit(sm); !ok {
		return false
	}
	return setSlot(c.CommitPayloads, sm, false)
}

// SetChangeView stores a ChangeView if it asks for a later view than the one
// already held for that validator.
func (c *Context) SetChangeView(sm *messages.SignedMessage) bool {
	cv, ok := messages.AsChangeView(sm)
	if !ok {
		return false
	}
	i := int(sm.Validator)
	if i < 0 || i >= len(c.ChangeViewPayloads) {
		return false
	}
	if prev, ok := messages.AsChangeView(c.ChangeViewPayloads[i]); ok && prev.NewViewNumber >= cv.NewViewNumber {
		return false
	}
	return setSlot(c.ChangeViewPayloads, sm, true)
}

// Counters

func (c *Context) countView(slots []*messages.SignedMessage) int {
	count := 0
	for _, sm := range slots {
		if sm != nil && sm.View == c.ViewNumber {
			count++
		}
	}
	return count
}

// CountPreparations counts the request and responses of the current view.
func (c *Context) CountPreparations() int { return c.countView(c.PreparationPayloads) }

// CountCommits counts the commits of the current view.
func (c *Context) CountCommits() int { return c.countView(c.CommitPayloads) }

// CountChangeViews counts change views asking for view or later.
func (c *Context) CountChangeViews(view types.ViewNumber) int {
	count := 0
	for _, sm := range c.ChangeViewPayloads {
		if cv, ok := messages.AsChangeView(sm); ok && cv.NewViewNumber >= view {
			count++
		}
	}
	return count
}

// CountCommitted counts validators with any commit held.
func (c *Context) CountCommitted() int {
	count := 0
	for _, sm := range c.CommitPayloads {
		if sm != nil {
			count++
		}
	}
	return count
}

// CountFailed counts validators not heard from since the previous height.
func (c *Context) CountFailed() int {
	if len(c.LastSeenMessage) == 0 || c.Validators == nil {
		return 0
	}
	threshold := uint32(0)
	if c.Height > 0 {
		threshold = c.Height - 1
	}
	failed := 0
	for _, k := range c.Validators.Keys() {
		h, ok := c.LastSeenMessage[string(k)]
		if !ok || h < threshold {
			failed++
		}
	}
	return failed
}

// MoreThanFNodesCommittedOrLost reports whether a view change can no longer
// gather a quorum, in which case recovery is requested instead.
func (c *Context) MoreThanFNodesCommittedOrLost() bool {
	return c.CountCommitted()+c.CountFailed() > c.F()
}

// ViewChanging reports whether this node asked to leave the current view.
func (c *Context) ViewChanging() bool {
	if c.WatchOnly() {
		return false
	}
	cv, ok := messages.AsChangeView(c.ChangeViewPayloads[c.MyIndex])
	return ok && cv.NewViewNumber > c.ViewNumber
}

func (c *Context) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.ViewChanging() && !c.MoreThanFNodesCommittedOrLost()
}

func (c *Context) CommitSent() bool {
	return !c.WatchOnly() && c.CommitPayloads[c.MyIndex] != nil
}

func (c *Context) RequestSentOrReceived() bool {
	p := c.PrimaryIndex()
	if p < 0 || int(p) >= len(c.PreparationPayloads) {
		return false
	}
	_, ok := messages.AsPrepareRequest(c.PreparationPayloads[p])
	return ok
}

func (c *Context) ResponseSent() bool {
	return !c.WatchOnly() && c.PreparationPayloads[c.MyIndex] != nil
}

func (c *Context) BlockSent() bool { return c.block != nil }

// Proposal

// ProposalHash returns the header hash of the adopted proposal, or the
// zero hash before one is adopted.
func (c *Context) ProposalHash() types.Hash { return c.proposalHash }

func (c *Context) header(timestamp, nonce uint64, hashes []types.Hash) block.Header {
	return block.Header{
		Version:       c.Version,
		PrevHash:      c.PrevHash,
		MerkleRoot:    block.MerkleRoot(hashes),
		Timestamp:     timestamp,
		Nonce:         nonce,
		Index:         c.Height,
		PrimaryIndex:  c.PrimaryIndex(),
		NextConsensus: c.NextConsensus,
	}
}

// Header returns the header of the adopted proposal.
func (c *Context) Header() block.Header {
	return c.header(c.Timestamp, c.Nonce, c.TransactionHashes)
}

func (c *Context) setProposal(timestamp, nonce uint64, hashes []types.Hash) {
	c.Timestamp = timestamp
	c.Nonce = nonce
	c.TransactionHashes = append([]types.Hash{}, hashes...)
	c.Transactions = make(map[types.Hash]*block.Transaction, len(hashes))
	c.hashIndex = make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		c.hashIndex[h] = struct{}{}
	}
	hdr := c.Header()
	c.proposalHash = hdr.Hash()
}

// AdoptProposal validates the primary's PrepareRequest against this round
// and makes it the proposal. Preparations and commits already held for a
// different proposal are dropped.
func (c *Context) AdoptProposal(sm *messages.SignedMessage) error {
	req, ok := messages.AsPrepareRequest(sm)
	if !ok {
		return fmt.Errorf("%w: not a prepare request", ErrProposalMismatch)
	}
	if c.RequestSentOrReceived() {
		return ErrProposalExists
	}
	switch {
	case sm.Validator != c.PrimaryIndex():
		return fmt.Errorf("%w: sender %d is not primary %d", ErrProposalMismatch, sm.Validator, c.PrimaryIndex())
	case sm.View != c.ViewNumber:
		return fmt.Errorf("%w: view %d, round is at %d", ErrProposalMismatch, sm.View, c.ViewNumber)
	case req.Height != c.Height || req.Version != c.Version || req.PrevHash != c.PrevHash:
		return fmt.Errorf("%w: chain position", ErrProposalMismatch)
	case req.Timestamp <= c.PrevTimestamp:
		return fmt.Errorf("%w: timestamp %d not after previous block %d", ErrProposalMismatch, req.Timestamp, c.PrevTimestamp)
	}
	h := c.header(req.Timestamp, req.Nonce, req.TransactionHashes)
	if h.Hash() != req.ProposalHash {
		return fmt.Errorf("%w: proposal hash %s, computed %s", ErrProposalMismatch, req.ProposalHash.Short(), h.Hash().Short())
	}

	c.setProposal(req.Timestamp, req.Nonce, req.TransactionHashes)
	for i, p := range c.PreparationPayloads {
		if resp, ok := messages.AsPrepareResponse(p); ok && resp.ProposalHash != c.proposalHash {
			c.PreparationPayloads[i] = nil
		}
	}
	for i, p := range c.CommitPayloads {
		if cm, ok := messages.AsCommit(p); ok && p.View == c.ViewNumber && cm.ProposalHash != c.proposalHash {
			c.CommitPayloads[i] = nil
		}
	}
	c.PreparationPayloads[sm.Validator] = sm
	return nil
}

// AddTransaction resolves one hash of the proposal. It reports false if the
// transaction is not part of the proposal or is already resolved.
func (c *Context) AddTransaction(tx *block.Transaction) bool {
	if c.TransactionHashes == nil {
		return false
	}
	h := tx.Hash()
	if _, want := c.hashIndex[h]; !want {
		return false
	}
	if _, have := c.Transactions[h]; have {
		return false
	}
	c.Transactions[h] = tx
	return true
}

// MissingTransactions lists proposal hashes not yet resolved.
func (c *Context) MissingTransactions() []types.Hash {
	var missing []types.Hash
	for _, h := range c.TransactionHashes {
		if _, ok := c.Transactions[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

// ProposalResolved reports whether every proposal hash has its transaction.
func (c *Context) ProposalResolved() bool {
	return c.TransactionHashes != nil && len(c.Transactions) == len(c.TransactionHashes)
}

// OrderedTransactions returns the resolved transactions in proposal order.
func (c *Context) OrderedTransactions() []*block.Transaction {
	txs := make([]*block.Transaction, 0, len(c.TransactionHashes))
	for _, h := range c.TransactionHashes {
		if tx, ok := c.Transactions[h]; ok {
			txs = append(txs, tx)
		}
	}
	return txs
}

// BlockSize estimates the size of the proposed block with its witness.
func (c *Context) BlockSize() int {
	return block.ExpectedSize(c.OrderedTransactions(), c.M(), c.N())
}

// SystemFee sums the system fee of the resolved transactions.
func (c *Context) SystemFee() int64 {
	return block.SystemFee(c.OrderedTransactions())
}

// CreateBlock assembles the proposal with m commit signatures as witness.
// Repeated calls return the same block.
func (c *Context) CreateBlock() (*block.Block, error) {
	if c.block != nil {
		return c.block, nil
	}
	if c.TransactionHashes == nil {
		return nil, ErrNoProposal
	}
	if !c.ProposalResolved() {
		return nil, ErrUnresolvedTxs
	}
	sigs := make([]block.CommitSignature, 0, c.M())
	for i, sm := range c.CommitPayloads {
		if len(sigs) == c.M() {
			break
		}
		cm, ok := messages.AsCommit(sm)
		if !ok || sm.View != c.ViewNumber || cm.ProposalHash != c.proposalHash {
			continue
		}
		sigs = append(sigs, block.CommitSignature{
			Validator: types.ValidatorIndex(i),
			Signature: append([]byte{}, cm.BlockSignature...),
		})
	}
	if len(sigs) < c.M() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCommits, len(sigs), c.M())
	}
	c.block = &block.Block{
		Header:       c.Header(),
		Transactions: c.OrderedTransactions(),
		Signatures:   sigs,
	}
	return c.block, nil
}

// Own messages

func (c *Context) nowMillis() uint64 {
	return uint64(c.Now().UnixMilli())
}

func (c *Context) sign(ctx context.Context, msg messages.ConsensusMessage) (*messages.SignedMessage, error) {
	if c.WatchOnly() || c.signer == nil {
		return nil, ErrWatchOnly
	}
	sm := &messages.SignedMessage{
		Height:    c.Height,
		View:      c.ViewNumber,
		Validator: c.MyIndex,
		Message:   msg,
	}
	digest := sm.Digest()
	if digest.IsZero() {
		return nil, utils.NewErrorf(utils.CodeInternal, "cannot encode own %s", msg.Kind())
	}
	sig, err := c.signer.Sign(ctx, digest)
	if err != nil {
		return nil, utils.WrapErrorf(err, utils.CodeSignerFailed, "sign %s", msg.Kind())
	}
	sm.Signature = sig
	return sm, nil
}

// MakePrepareRequest turns txs into this primary's proposal and signs it.
func (c *Context) MakePrepareRequest(ctx context.Context, txs []*block.Transaction, nonce uint64) (*messages.SignedMessage, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	timestamp := c.nowMillis()
	if timestamp <= c.PrevTimestamp {
		timestamp = c.PrevTimestamp + 1
	}
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	c.setProposal(timestamp, nonce, hashes)
	for _, tx := range txs {
		c.Transactions[tx.Hash()] = tx
	}

	sm, err := c.sign(ctx, &messages.PrepareRequest{
		Version:           c.Version,
		PrevHash:          c.PrevHash,
		Height:            c.Height,
		Timestamp:         c.Timestamp,
		Nonce:             c.Nonce,
		TransactionHashes: c.TransactionHashes,
		ProposalHash:      c.proposalHash,
	})
	if err != nil {
		return nil, err
	}
	c.PreparationPayloads[c.MyIndex] = sm
	return sm, nil
}

// MakePrepareResponse accepts the adopted proposal.
func (c *Context) MakePrepareResponse(ctx context.Context) (*messages.SignedMessage, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	if c.TransactionHashes == nil {
		return nil, ErrNoProposal
	}
	sm, err := c.sign(ctx, &messages.PrepareResponse{ProposalHash: c.proposalHash})
	if err != nil {
		return nil, err
	}
	c.PreparationPayloads[c.MyIndex] = sm
	return sm, nil
}

// MakeCommit signs the proposal hash. Once a commit is made for a view the
// same message is returned again.
func (c *Context) MakeCommit(ctx context.Context) (*messages.SignedMessage, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	if prev := c.CommitPayloads[c.MyIndex]; prev != nil && prev.View == c.ViewNumber {
		return prev, nil
	}
	if c.TransactionHashes == nil {
		return nil, ErrNoProposal
	}
	blockSig, err := c.signer.Sign(ctx, c.proposalHash)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeSignerFailed, "sign block")
	}
	sm, err := c.sign(ctx, &messages.Commit{ProposalHash: c.proposalHash, BlockSignature: blockSig})
	if err != nil {
		return nil, err
	}
	c.CommitPayloads[c.MyIndex] = sm
	return sm, nil
}

// DiscardCommit forgets this node's commit of the current view. It is only
// for a commit that could not be saved and so was never broadcast.
func (c *Context) DiscardCommit() {
	if c.WatchOnly() {
		return
	}
	if prev := c.CommitPayloads[c.MyIndex]; prev != nil && prev.View == c.ViewNumber {
		c.CommitPayloads[c.MyIndex] = nil
	}
}

// MakeChangeView asks for the next view.
func (c *Context) MakeChangeView(ctx context.Context, reason types.ChangeViewReason) (*messages.SignedMessage, error) {
	return c.MakeChangeViewTo(ctx, c.ViewNumber+1, reason)
}

// MakeChangeViewTo asks for newView, which must be ahead of the current view.
func (c *Context) MakeChangeViewTo(ctx context.Context, newView types.ViewNumber, reason types.ChangeViewReason) (*messages.SignedMessage, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	if newView <= c.ViewNumber {
		return nil, fmt.Errorf("round: change view to %d from view %d", newView, c.ViewNumber)
	}
	sm, err := c.sign(ctx, &messages.ChangeView{
		NewViewNumber: newView,
		Timestamp:     c.nowMillis(),
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	c.ChangeViewPayloads[c.MyIndex] = sm
	return sm, nil
}

// MakeRecoveryRequest asks peers for their view of the round.
func (c *Context) MakeRecoveryRequest(ctx context.Context) (*messages.SignedMessage, error) {
	return c.sign(ctx, &messages.RecoveryRequest{Timestamp: c.nowMillis()})
}

// MakeRecoveryMessage bundles what this node holds for the round: the
// change views that justify the current view (or the current ones when
// none), the proposal with its responses, and the commits.
func (c *Context) MakeRecoveryMessage(ctx context.Context) (*messages.SignedMessage, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	rm := &messages.RecoveryMessage{}

	changeViews := c.LastChangeViewPayloads
	if c.ViewNumber == 0 || countNonNil(changeViews) == 0 {
		changeViews = c.ChangeViewPayloads
	}
	var err error
	if rm.ChangeViews, err = encodeSlots(changeViews, c.M()); err != nil {
		return nil, err
	}
	if c.RequestSentOrReceived() {
		if rm.PrepareRequest, err = messages.Encode(c.PreparationPayloads[c.PrimaryIndex()]); err != nil {
			return nil, err
		}
	}
	preparations := make([]*messages.SignedMessage, 0, len(c.PreparationPayloads))
	for _, sm := range c.PreparationPayloads {
		if _, ok := messages.AsPrepareResponse(sm); ok {
			preparations = append(preparations, sm)
		}
	}
	if rm.Preparations, err = encodeSlots(preparations, len(preparations)); err != nil {
		return nil, err
	}
	if c.CommitSent() {
		if rm.Commits, err = encodeSlots(c.CommitPayloads, len(c.CommitPayloads)); err != nil {
			return nil, err
		}
	}
	return c.sign(ctx, rm)
}

func countNonNil(slots []*messages.SignedMessage) int {
	n := 0
	for _, sm := range slots {
		if sm != nil {
			n++
		}
	}
	return n
}

func encodeSlots(slots []*messages.SignedMessage, limit int) ([][]byte, error) {
	var out [][]byte
	for _, sm := range slots {
		if sm == nil {
			continue
		}
		if len(out) == limit {
			break
		}
		data, err := messages.Encode(sm)
		if err != nil {
			return nil, fmt.Errorf("encode %s from %d: %w", sm.Kind(), sm.Validator, err)
		}
		out = append(out, data)
	}
	return out, nil
}
