package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/round"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/consensus/validators"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// maxViewShift caps the exponential view timeout.
const maxViewShift = 16

func (s *Service) viewTimeout(view types.ViewNumber) time.Duration {
	shift := uint32(view) + 1
	if shift > maxViewShift {
		shift = maxViewShift
	}
	return s.config.BlockTime << shift
}

// snapshot reads the chain tip the next height builds on.
func (s *Service) snapshot() (round.Snapshot, error) {
	height := s.ledger.CurrentHeight() + 1
	keys, err := s.ledger.DesignatedValidators(height)
	if err != nil {
		return round.Snapshot{}, utils.WrapErrorf(err, utils.CodeUnavailable, "validators for height %d", height)
	}
	vs, err := validators.New(keys)
	if err != nil {
		return round.Snapshot{}, utils.WrapErrorf(err, utils.CodeConfigInvalid, "validators for height %d", height)
	}
	nextKeys, err := s.ledger.DesignatedValidators(height + 1)
	if err != nil {
		return round.Snapshot{}, utils.WrapErrorf(err, utils.CodeUnavailable, "validators for height %d", height+1)
	}
	next, err := validators.New(nextKeys)
	if err != nil {
		return round.Snapshot{}, utils.WrapErrorf(err, utils.CodeConfigInvalid, "validators for height %d", height+1)
	}
	return round.Snapshot{
		Height:        height,
		PrevHash:      s.ledger.CurrentHash(),
		PrevTimestamp: s.ledger.CurrentTimestamp(),
		Validators:    vs,
		NextConsensus: next.Hash(),
	}, nil
}

// initializeConsensus enters view of the current height, or a new height
// when view is 0, and arms the timer for it.
func (s *Service) initializeConsensus(ctx context.Context, view types.ViewNumber, fx *effects) error {
	r := s.round
	if view == 0 {
		snap, err := s.snapshot()
		if err != nil {
			return err
		}
		if err := r.ResetHeight(snap); err != nil {
			return err
		}
		s.roundStarted = s.now()
	} else {
		reason := types.ReasonChangeAgreement
		if !r.WatchOnly() {
			if cv, ok := messages.AsChangeView(r.ChangeViewPayloads[r.MyIndex]); ok && cv.NewViewNumber == view {
				reason = cv.Reason
			}
		}
		r.ResetView(view)
		fx.viewChanges = append(fx.viewChanges, viewChange{height: r.Height, view: view, reason: reason})
		if s.audit != nil {
			_ = s.audit.Info("view_changed", map[string]interface{}{
				"height": r.Height,
				"view":   view,
				"reason": reason.String(),
			})
		}
	}

	role := "Backup"
	switch {
	case r.WatchOnly():
		role = "WatchOnly"
	case r.IsPrimary():
		role = "Primary"
	}
	s.logger.InfoContext(ctx, "initialize consensus",
		"height", r.Height,
		"view", r.ViewNumber,
		"index", r.MyIndex,
		"role", role,
		"validators", r.N(),
	)
	if r.WatchOnly() {
		return nil
	}

	if r.IsPrimary() && !s.isRecovering {
		delay := s.config.BlockTime
		if s.lastBlockIndex+1 == r.Height {
			elapsed := s.now().Sub(s.lastBlockTime)
			if elapsed >= delay {
				delay = 0
			} else {
				delay -= elapsed
			}
		}
		s.armTimer(delay)
	} else {
		s.armTimer(s.viewTimeout(r.ViewNumber))
	}
	return nil
}

// checkPrepareResponse sends this backup's PrepareResponse once the
// proposal is resolved and within policy.
func (s *Service) checkPrepareResponse(ctx context.Context, fx *effects) (PrepareOutcome, error) {
	r := s.round
	if !r.ProposalResolved() {
		return PrepareNotReady, nil
	}
	if r.IsPrimary() || r.WatchOnly() || r.ResponseSent() {
		return PrepareSkipped, nil
	}

	size, fee := r.BlockSize(), r.SystemFee()
	var violation string
	switch {
	case size > s.policy.MaxBlockSize():
		violation = "block_size"
	case fee > s.policy.MaxBlockSystemFee():
		violation = "block_system_fee"
	}
	if violation != "" {
		s.logger.WarnContext(ctx, "proposal rejected by policy",
			"height", r.Height,
			"view", r.ViewNumber,
			"violation", violation,
			"size", size,
			"system_fee", fee,
		)
		s.metrics.PolicyRejected(violation)
		if s.audit != nil {
			_ = s.audit.Warn("proposal_rejected", map[string]interface{}{
				"height":     r.Height,
				"view":       r.ViewNumber,
				"primary":    r.PrimaryIndex(),
				"violation":  violation,
				"size":       size,
				"system_fee": fee,
			})
		}
		return PrepareRejected, s.requestChangeView(ctx, types.ReasonBlockRejectedByPolicy, fx)
	}

	s.extendTimerByFactor(2)
	sm, err := r.MakePrepareResponse(ctx)
	if err != nil {
		return PrepareNotReady, err
	}
	s.logger.InfoContext(ctx, "sending prepare response",
		"height", r.Height,
		"view", r.ViewNumber,
		"proposal", r.ProposalHash().Short(),
	)
	fx.send(sm)
	return PrepareResponded, s.checkPreparations(ctx, fx)
}

// checkPreparations commits once M preparations agree on the proposal. The
// round is saved before the commit leaves this node.
func (s *Service) checkPreparations(ctx context.Context, fx *effects) error {
	r := s.round
	if r.CountPreparations() < r.M() || !r.ProposalResolved() {
		return nil
	}
	if r.WatchOnly() {
		return nil
	}
	if r.CommitSent() {
		return s.checkCommits(ctx, fx)
	}

	sm, err := r.MakeCommit(ctx)
	if err != nil {
		return err
	}
	if err := r.Save(ctx); err != nil {
		// unsaved commits are never broadcast; the next preparation or
		// the view timer tries again
		r.DiscardCommit()
		return err
	}
	s.logger.InfoContext(ctx, "sending commit",
		"height", r.Height,
		"view", r.ViewNumber,
		"preparations", r.CountPreparations(),
	)
	fx.send(sm)
	s.armTimer(s.viewTimeout(r.ViewNumber))
	return s.checkCommits(ctx, fx)
}

// checkCommits assembles the block once M commits of the current view are
// held for the resolved proposal.
func (s *Service) checkCommits(ctx context.Context, fx *effects) error {
	r := s.round
	if r.BlockSent() || r.CountCommits() < r.M() || !r.ProposalResolved() {
		return nil
	}
	b, err := r.CreateBlock()
	if err != nil {
		if errors.Is(err, round.ErrNotEnoughCommits) {
			return nil
		}
		return err
	}
	s.knownHashes.Purge()

	elapsed := s.now().Sub(s.roundStarted)
	s.metrics.BlockCommitted(b.Index(), len(b.Transactions), elapsed)
	s.logger.InfoContext(ctx, "block committed",
		"height", b.Index(),
		"view", r.ViewNumber,
		"hash", b.Hash().Short(),
		"tx_count", len(b.Transactions),
		"signatures", len(b.Signatures),
		"round_ms", elapsed.Milliseconds(),
	)
	if s.audit != nil {
		_ = s.audit.Info("block_committed", map[string]interface{}{
			"height":   b.Index(),
			"view":     r.ViewNumber,
			"hash":     hashField(b.Hash()),
			"tx_count": len(b.Transactions),
		})
	}
	if !r.WatchOnly() {
		s.timer.Stop()
	}
	fx.commit = b
	fx.commitView = r.ViewNumber
	return nil
}

// checkExpectedView moves to view once M validators asked for it. A node
// that has not asked yet joins the agreement first.
func (s *Service) checkExpectedView(ctx context.Context, view types.ViewNumber, fx *effects) error {
	r := s.round
	if r.ViewNumber >= view || r.CommitSent() {
		return nil
	}
	if r.CountChangeViews(view) < r.M() {
		return nil
	}
	if !r.WatchOnly() {
		cv, ok := messages.AsChangeView(r.ChangeViewPayloads[r.MyIndex])
		if !ok || cv.NewViewNumber < view {
			sm, err := r.MakeChangeViewTo(ctx, view, types.ReasonChangeAgreement)
			if err != nil {
				return err
			}
			fx.send(sm)
		}
	}
	s.logger.InfoContext(ctx, "changing view",
		"height", r.Height,
		"from", r.ViewNumber,
		"to", view,
	)
	return s.initializeConsensus(ctx, view, fx)
}

// requestChangeView asks to leave the current view. When a view change can
// no longer reach a quorum, recovery is requested instead.
func (s *Service) requestChangeView(ctx context.Context, reason types.ChangeViewReason, fx *effects) error {
	r := s.round
	if r.WatchOnly() {
		return nil
	}
	expected := r.ViewNumber + 1
	s.armTimer(s.viewTimeout(expected))

	if r.MoreThanFNodesCommittedOrLost() {
		s.logger.InfoContext(ctx, "skipping change view, requesting recovery",
			"height", r.Height,
			"view", r.ViewNumber,
			"committed", r.CountCommitted(),
			"failed", r.CountFailed(),
		)
		return s.requestRecovery(ctx, fx)
	}

	sm, err := r.MakeChangeView(ctx, reason)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "requesting change view",
		"height", r.Height,
		"view", r.ViewNumber,
		"new_view", expected,
		"reason", reason.String(),
		"missing_txs", len(r.MissingTransactions()),
	)
	fx.send(sm)
	return s.checkExpectedView(ctx, expected, fx)
}

func (s *Service) requestRecovery(ctx context.Context, fx *effects) error {
	sm, err := s.round.MakeRecoveryRequest(ctx)
	if err != nil {
		return err
	}
	fx.send(sm)
	return nil
}

// extendTimerByFactor gives a round that is making progress more time.
func (s *Service) extendTimerByFactor(factor int) {
	r := s.round
	if r.WatchOnly() || r.ViewChanging() || r.CommitSent() {
		return
	}
	by := s.config.BlockTime * time.Duration(factor) / time.Duration(r.M())
	s.timer.Extend(s.currentKey(), by)
}

// sendPrepareRequest builds the proposal from the mempool top, trimmed to
// the block limits, and broadcasts it.
func (s *Service) sendPrepareRequest(ctx context.Context, fx *effects) error {
	r := s.round
	txs := s.selectTransactions(s.mempool.Top(s.policy.MaxTransactionsPerBlock()))
	sm, err := r.MakePrepareRequest(ctx, txs, randomNonce())
	if err != nil {
		s.armTimer(s.config.BlockTime)
		return err
	}
	s.logger.InfoContext(ctx, "sending prepare request",
		"height", r.Height,
		"view", r.ViewNumber,
		"tx_count", len(txs),
		"proposal", r.ProposalHash().Short(),
	)
	fx.send(sm)
	if r.M() == 1 {
		if err := s.checkPreparations(ctx, fx); err != nil {
			return err
		}
	}
	if !r.CommitSent() {
		s.armTimer(s.viewTimeout(r.ViewNumber))
	}
	return nil
}

// selectTransactions keeps the longest prefix of txs that fits the block
// size and system fee limits.
func (s *Service) selectTransactions(txs []*block.Transaction) []*block.Transaction {
	r := s.round
	maxTx := s.policy.MaxTransactionsPerBlock()
	size := block.ExpectedSize(nil, r.M(), r.N())
	var fee int64
	out := make([]*block.Transaction, 0, len(txs))
	seen := make(map[types.Hash]struct{}, len(txs))
	for _, tx := range txs {
		if len(out) >= maxTx {
			break
		}
		if _, dup := seen[tx.Hash()]; dup {
			continue
		}
		size += tx.Size()
		if size > s.policy.MaxBlockSize() {
			break
		}
		fee += tx.SystemFee
		if fee > s.policy.MaxBlockSystemFee() {
			break
		}
		seen[tx.Hash()] = struct{}{}
		out = append(out, tx)
	}
	return out
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
