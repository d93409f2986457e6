package service

import (
	"context"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/messages"
	"github.com/r3e-network/neo-dbft/pkg/consensus/timer"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
)

// onMessage filters and dispatches one message. Replayed recovery entries
// skip the duplicate filter: a message dropped earlier while the view was
// changing may count now, and the slot setters ignore true repeats.
func (s *Service) onMessage(ctx context.Context, sm *messages.SignedMessage, replayed bool, fx *effects) error {
	r := s.round
	kind := sm.Kind().String()
	if r.Validators == nil || r.BlockSent() {
		s.metrics.MessageReceived(kind, OutcomeIgnored)
		return nil
	}
	if sm.Height != r.Height {
		if sm.Height > r.Height {
			s.logger.DebugContext(ctx, "message from a later height, chain is behind",
				"height", r.Height,
				"message_height", sm.Height,
				"kind", kind,
			)
		}
		s.metrics.MessageReceived(kind, OutcomeStale)
		return nil
	}
	if err := sm.Validate(); err != nil {
		s.metrics.MessageReceived(kind, OutcomeInvalid)
		return nil
	}
	pub, err := r.Validators.PublicKey(sm.Validator)
	if err != nil {
		s.metrics.MessageReceived(kind, OutcomeInvalid)
		return nil
	}
	digest := sm.Digest()
	if _, dup := s.knownHashes.Get(digest); dup && !replayed {
		s.metrics.MessageReceived(kind, OutcomeDuplicate)
		return nil
	}
	if !s.codec.VerifySignature(sm, pub) {
		s.metrics.MessageReceived(kind, OutcomeSignature)
		if s.audit != nil {
			_ = s.audit.Security("invalid_message_signature", map[string]interface{}{
				"height":    sm.Height,
				"view":      sm.View,
				"validator": sm.Validator,
				"kind":      kind,
			})
		}
		return nil
	}
	s.knownHashes.Add(digest, struct{}{})
	r.MarkSeen(sm.Validator, sm.Height)

	if sm.View < r.ViewNumber {
		// An old-view request or change view still means the sender is
		// behind and may need our state; nothing else from an old view counts.
		switch sm.Message.(type) {
		case *messages.RecoveryRequest, *messages.ChangeView:
			s.metrics.MessageReceived(kind, OutcomeStale)
			if replayed {
				return nil
			}
			return s.respondRecovery(ctx, sm, fx)
		}
		s.metrics.MessageReceived(kind, OutcomeStale)
		return nil
	}

	s.metrics.MessageReceived(kind, OutcomeAccepted)
	switch m := sm.Message.(type) {
	case *messages.PrepareRequest:
		return s.onPrepareRequest(ctx, sm, m, fx)
	case *messages.PrepareResponse:
		return s.onPrepareResponse(ctx, sm, m, fx)
	case *messages.Commit:
		return s.onCommit(ctx, sm, m, fx)
	case *messages.ChangeView:
		return s.onChangeView(ctx, sm, m, fx)
	case *messages.RecoveryRequest:
		return s.respondRecovery(ctx, sm, fx)
	case *messages.RecoveryMessage:
		return s.onRecoveryMessage(ctx, sm, m, fx)
	default:
		return nil
	}
}

func (s *Service) onPrepareRequest(ctx context.Context, sm *messages.SignedMessage, req *messages.PrepareRequest, fx *effects) error {
	r := s.round
	if r.RequestSentOrReceived() {
		held := r.PreparationPayloads[r.PrimaryIndex()]
		if sm.Validator == r.PrimaryIndex() && sm.View == held.View && held.Digest() != sm.Digest() {
			s.logger.WarnContext(ctx, "conflicting prepare request from primary",
				"height", r.Height,
				"view", r.ViewNumber,
				"primary", sm.Validator,
			)
			if s.audit != nil {
				_ = s.audit.Security("primary_equivocation", map[string]interface{}{
					"height":  r.Height,
					"view":    sm.View,
					"primary": sm.Validator,
				})
			}
		}
		return nil
	}
	if r.NotAcceptingPayloadsDueToViewChanging() || sm.View != r.ViewNumber {
		return nil
	}
	if limit := s.policy.MaxTransactionsPerBlock(); len(req.TransactionHashes) > limit {
		s.logger.WarnContext(ctx, "prepare request exceeds transaction limit",
			"height", r.Height,
			"count", len(req.TransactionHashes),
			"max", limit,
		)
		return nil
	}
	drift := time.Duration(s.config.MaxBlockTimeDrift) * s.config.BlockTime
	if drift > 0 && req.Timestamp > uint64(s.now().Add(drift).UnixMilli()) {
		s.logger.WarnContext(ctx, "prepare request timestamp too far ahead",
			"height", r.Height,
			"timestamp", req.Timestamp,
		)
		return nil
	}

	if err := r.AdoptProposal(sm); err != nil {
		s.logger.WarnContext(ctx, "rejected prepare request",
			"height", r.Height,
			"view", r.ViewNumber,
			"validator", sm.Validator,
			"error", err,
		)
		return nil
	}
	s.logger.InfoContext(ctx, "received prepare request",
		"height", r.Height,
		"view", r.ViewNumber,
		"tx_count", len(req.TransactionHashes),
		"proposal", r.ProposalHash().Short(),
	)
	s.extendTimerByFactor(2)

	if missing := r.MissingTransactions(); len(missing) > 0 {
		fx.fetch = missing
		fx.fetchKey = s.currentKey()
		return nil
	}
	outcome, err := s.checkPrepareResponse(ctx, fx)
	if err != nil || outcome == PrepareRejected {
		return err
	}
	return s.progress(ctx, fx)
}

// progress re-evaluates both quorums after the proposal became resolved.
// Commits may have arrived before the proposal did.
func (s *Service) progress(ctx context.Context, fx *effects) error {
	if err := s.checkPreparations(ctx, fx); err != nil {
		return err
	}
	return s.checkCommits(ctx, fx)
}

func (s *Service) onPrepareResponse(ctx context.Context, sm *messages.SignedMessage, resp *messages.PrepareResponse, fx *effects) error {
	r := s.round
	if sm.View != r.ViewNumber || r.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	if sm.Validator == r.PrimaryIndex() {
		s.logger.WarnContext(ctx, "prepare response from the primary",
			"height", r.Height,
			"view", r.ViewNumber,
			"validator", sm.Validator,
		)
		return nil
	}
	if r.PreparationPayloads[sm.Validator] != nil {
		return nil
	}
	if r.RequestSentOrReceived() && resp.ProposalHash != r.ProposalHash() {
		s.logger.WarnContext(ctx, "prepare response for another proposal",
			"height", r.Height,
			"view", r.ViewNumber,
			"validator", sm.Validator,
		)
		return nil
	}
	if !r.SetPreparation(sm) {
		return nil
	}
	s.logger.DebugContext(ctx, "received prepare response",
		"height", r.Height,
		"view", r.ViewNumber,
		"validator", sm.Validator,
		"preparations", r.CountPreparations(),
	)
	s.extendTimerByFactor(2)
	if r.WatchOnly() || r.CommitSent() || !r.RequestSentOrReceived() {
		return nil
	}
	return s.checkPreparations(ctx, fx)
}

func (s *Service) onCommit(ctx context.Context, sm *messages.SignedMessage, cm *messages.Commit, fx *effects) error {
	r := s.round
	if sm.View != r.ViewNumber {
		return nil
	}
	if prev := r.CommitPayloads[sm.Validator]; prev != nil && prev.View == sm.View {
		if prev.Digest() != sm.Digest() && s.audit != nil {
			_ = s.audit.Security("conflicting_commit", map[string]interface{}{
				"height":    r.Height,
				"view":      sm.View,
				"validator": sm.Validator,
			})
		}
		return nil
	}
	pub, err := r.Validators.PublicKey(sm.Validator)
	if err != nil {
		return nil
	}
	if !s.verifier.Verify(pub, cm.ProposalHash, cm.BlockSignature) {
		s.logger.WarnContext(ctx, "commit with invalid block signature",
			"height", r.Height,
			"view", r.ViewNumber,
			"validator", sm.Validator,
		)
		if s.audit != nil {
			_ = s.audit.Security("invalid_block_signature", map[string]interface{}{
				"height":    r.Height,
				"view":      sm.View,
				"validator": sm.Validator,
			})
		}
		return nil
	}
	if r.RequestSentOrReceived() && cm.ProposalHash != r.ProposalHash() {
		return nil
	}
	if !r.SetCommit(sm) {
		return nil
	}
	s.logger.DebugContext(ctx, "received commit",
		"height", r.Height,
		"view", r.ViewNumber,
		"validator", sm.Validator,
		"commits", r.CountCommits(),
	)
	s.extendTimerByFactor(4)
	return s.checkCommits(ctx, fx)
}

func (s *Service) onChangeView(ctx context.Context, sm *messages.SignedMessage, cv *messages.ChangeView, fx *effects) error {
	r := s.round
	if r.CommitSent() {
		return s.respondRecovery(ctx, sm, fx)
	}
	if !r.SetChangeView(sm) {
		return nil
	}
	s.logger.DebugContext(ctx, "received change view",
		"height", r.Height,
		"view", r.ViewNumber,
		"validator", sm.Validator,
		"new_view", cv.NewViewNumber,
		"reason", cv.Reason.String(),
	)
	return s.checkExpectedView(ctx, cv.NewViewNumber, fx)
}

// respondRecovery answers a node that is behind. Only the f+1 validators
// following the sender answer, unless this node has already committed.
// Entries replayed from a recovery message never trigger an answer.
func (s *Service) respondRecovery(ctx context.Context, sm *messages.SignedMessage, fx *effects) error {
	r := s.round
	if r.WatchOnly() || sm.Validator == r.MyIndex || s.isRecovering {
		return nil
	}
	if !r.CommitSent() && !s.isResponder(sm.Validator) {
		return nil
	}
	rm, err := r.MakeRecoveryMessage(ctx)
	if err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "sending recovery message",
		"height", r.Height,
		"view", r.ViewNumber,
		"to", sm.Validator,
	)
	fx.send(rm)
	return nil
}

func (s *Service) isResponder(sender types.ValidatorIndex) bool {
	r := s.round
	n := r.N()
	for i := 1; i <= r.F()+1; i++ {
		if types.ValidatorIndex((int(sender)+i)%n) == r.MyIndex {
			return true
		}
	}
	return false
}

// onRecoveryMessage replays the bundled messages through the regular
// handlers. Each one is verified like any other inbound message.
func (s *Service) onRecoveryMessage(ctx context.Context, sm *messages.SignedMessage, rm *messages.RecoveryMessage, fx *effects) error {
	r := s.round
	if sm.View > r.ViewNumber && r.CommitSent() {
		return nil
	}
	s.isRecovering = true
	defer func() { s.isRecovering = false }()

	replay := func(entries [][]byte) error {
		for _, data := range entries {
			inner, err := s.codec.Decode(data)
			if err != nil {
				s.logger.DebugContext(ctx, "skipping malformed recovery entry", "error", err)
				continue
			}
			switch inner.Message.(type) {
			case *messages.RecoveryMessage, *messages.RecoveryRequest:
				continue
			}
			if err := s.onMessage(ctx, inner, true, fx); err != nil {
				return err
			}
			if r.BlockSent() {
				return nil
			}
		}
		return nil
	}

	var validChangeViews, validPreparations, validCommits int
	if sm.View > r.ViewNumber {
		validChangeViews = len(rm.ChangeViews)
		if err := replay(rm.ChangeViews); err != nil {
			return err
		}
	}
	if sm.View == r.ViewNumber && !r.NotAcceptingPayloadsDueToViewChanging() && !r.CommitSent() {
		if !r.RequestSentOrReceived() && len(rm.PrepareRequest) > 0 {
			if err := replay([][]byte{rm.PrepareRequest}); err != nil {
				return err
			}
		}
		validPreparations = len(rm.Preparations)
		if err := replay(rm.Preparations); err != nil {
			return err
		}
	}
	if sm.View <= r.ViewNumber {
		validCommits = len(rm.Commits)
		if err := replay(rm.Commits); err != nil {
			return err
		}
	}
	s.logger.DebugContext(ctx, "processed recovery message",
		"height", r.Height,
		"view", r.ViewNumber,
		"from", sm.Validator,
		"change_views", validChangeViews,
		"preparations", validPreparations,
		"commits", validCommits,
	)
	if r.BlockSent() {
		return nil
	}
	return s.checkExpectedView(ctx, r.ViewNumber+1, fx)
}

func (s *Service) onTimer(ctx context.Context, key timer.Key, fx *effects) error {
	r := s.round
	if r.Validators == nil || key != s.currentKey() {
		return nil
	}
	if r.BlockSent() {
		return s.retryPersist(ctx, fx)
	}
	if r.WatchOnly() {
		return nil
	}
	s.logger.DebugContext(ctx, "round timer fired",
		"height", r.Height,
		"view", r.ViewNumber,
	)
	switch {
	case r.IsPrimary() && !r.RequestSentOrReceived():
		return s.sendPrepareRequest(ctx, fx)
	case r.CommitSent():
		rm, err := r.MakeRecoveryMessage(ctx)
		if err != nil {
			return err
		}
		fx.send(rm)
		s.armTimer(2 * s.config.BlockTime)
		return nil
	default:
		reason := types.ReasonTimeout
		if r.RequestSentOrReceived() && !r.ProposalResolved() {
			reason = types.ReasonTxNotFound
		}
		return s.requestChangeView(ctx, reason, fx)
	}
}

// retryPersist hands the assembled block to the ledger again after a failed
// write. When the ledger has moved past the round in the meantime the next
// height starts instead.
func (s *Service) retryPersist(ctx context.Context, fx *effects) error {
	r := s.round
	if tip := s.ledger.CurrentHeight(); tip >= r.Height {
		s.lastBlockTime = s.now()
		s.lastBlockIndex = tip
		return s.initializeConsensus(ctx, 0, fx)
	}
	b, err := r.CreateBlock()
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "retrying block persist",
		"height", b.Index(),
		"hash", b.Hash().Short(),
	)
	fx.commit = b
	fx.commitView = r.ViewNumber
	return nil
}

func (s *Service) onTransaction(ctx context.Context, tx *block.Transaction, fx *effects) error {
	r := s.round
	if r.Validators == nil || r.BlockSent() || !r.RequestSentOrReceived() || r.ProposalResolved() {
		return nil
	}
	if r.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	_, err := s.addTransaction(ctx, tx, fx)
	return err
}

// addTransaction adds one proposal transaction. It reports true when the
// round moved on (rejected or resolved) and further additions are moot.
func (s *Service) addTransaction(ctx context.Context, tx *block.Transaction, fx *effects) (bool, error) {
	r := s.round
	if r.ProposalResolved() || !r.AddTransaction(tx) {
		return false, nil
	}
	if err := tx.Validate(); err != nil {
		s.logger.WarnContext(ctx, "invalid transaction in proposal",
			"height", r.Height,
			"tx", tx.Hash().Short(),
			"error", err,
		)
		return true, s.requestChangeView(ctx, types.ReasonTxInvalid, fx)
	}
	if tx.SystemFee > s.policy.MaxBlockSystemFee() {
		s.logger.WarnContext(ctx, "transaction rejected by policy",
			"height", r.Height,
			"tx", tx.Hash().Short(),
			"system_fee", tx.SystemFee,
		)
		s.metrics.PolicyRejected("tx_system_fee")
		return true, s.requestChangeView(ctx, types.ReasonTxRejectedByPolicy, fx)
	}
	outcome, err := s.checkPrepareResponse(ctx, fx)
	if err != nil {
		return true, err
	}
	switch outcome {
	case PrepareNotReady:
		return false, nil
	case PrepareRejected:
		return true, nil
	}
	return true, s.progress(ctx, fx)
}
