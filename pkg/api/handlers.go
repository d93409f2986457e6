package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/consensus/validators"
	"github.com/r3e-network/neo-dbft/pkg/mempool"
	"github.com/r3e-network/neo-dbft/pkg/storage/boltdb"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, r, NewSuccessResponse(HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UnixMilli(),
		Version:   s.version,
		UptimeS:   int64(s.now().Sub(s.startedAt).Seconds()),
	}), http.StatusOK)
}

// handleReady reports 503 until the consensus engine runs.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"consensus": "ok", "p2p": "ok"}
	ready := true
	if !s.consensus.IsRunning() {
		checks["consensus"] = "not running"
		ready = false
	}
	if s.peers == nil {
		checks["p2p"] = "disabled"
	} else if s.peers.GetConnectedPeerCount() == 0 {
		checks["p2p"] = "no peers"
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	resp := NewSuccessResponse(ReadinessResponse{Ready: ready, Checks: checks})
	resp.Success = ready
	writeJSONResponse(w, r, resp, code)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.consensus.GetStatus()
	m := st.Metrics
	out := StatusResponse{
		NodeID:    st.NodeID,
		Running:   st.Running,
		WatchOnly: st.WatchOnly,
		Height:    st.Height,
		View:      uint32(st.View),
		State:     st.State,
		Chain: ChainStatus{
			Height:    s.chain.CurrentHeight(),
			Hash:      s.chain.CurrentHash().String(),
			Timestamp: s.chain.CurrentTimestamp(),
		},
		Metrics: ConsensusMetrics{
			MessagesReceived:  m.MessagesReceived,
			MessagesAccepted:  m.MessagesAccepted,
			MessagesDropped:   m.MessagesDropped,
			MessagesSent:      m.MessagesSent,
			BlocksCommitted:   m.BlocksCommitted,
			ViewChanges:       m.ViewChanges,
			PolicyRejections:  m.PolicyRejections,
			LastRoundDuration: m.LastRoundDuration.Milliseconds(),
		},
	}
	if !m.LastCommitTime.IsZero() {
		out.Metrics.LastCommitTime = m.LastCommitTime.UnixMilli()
	}
	writeJSONResponse(w, r, NewSuccessResponse(out), http.StatusOK)
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	s.writeBlock(w, r, func() (*block.Block, error) {
		return s.chain.GetBlock(r.Context(), s.chain.CurrentHeight())
	})
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(r.PathValue("height"), 10, 32)
	if err != nil {
		writeErrorResponse(w, r, utils.CodeInvalidInput, "height must be an unsigned 32-bit integer", http.StatusBadRequest)
		return
	}
	s.writeBlock(w, r, func() (*block.Block, error) {
		return s.chain.GetBlock(r.Context(), uint32(height))
	})
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	if s.blocks == nil {
		writeErrorResponse(w, r, utils.CodeUnavailable, "hash index not available", http.StatusServiceUnavailable)
		return
	}
	h, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeErrorResponse(w, r, utils.CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeBlock(w, r, func() (*block.Block, error) {
		return s.blocks.GetBlockByHash(r.Context(), h)
	})
}

func (s *Server) writeBlock(w http.ResponseWriter, r *http.Request, load func() (*block.Block, error)) {
	b, err := load()
	switch {
	case errors.Is(err, boltdb.ErrNotFound):
		writeErrorResponse(w, r, utils.CodeNotFound, "block not found", http.StatusNotFound)
	case err != nil:
		s.logger.ErrorContext(r.Context(), "block lookup failed", utils.ZapError(err))
		writeErrorResponse(w, r, utils.CodeInternal, "block lookup failed", http.StatusInternalServerError)
	default:
		writeJSONResponse(w, r, NewSuccessResponse(toBlockResponse(b)), http.StatusOK)
	}
}

func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	st := s.consensus.GetStatus()
	keys, err := s.chain.DesignatedValidators(st.Height)
	if err != nil {
		writeErrorResponse(w, r, utils.CodeInternal, "validator lookup failed", http.StatusInternalServerError)
		return
	}
	vs, err := validators.New(keys)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "invalid committee", utils.ZapError(err))
		writeErrorResponse(w, r, utils.CodeInternal, "invalid committee", http.StatusInternalServerError)
		return
	}
	primary := vs.PrimaryIndex(st.Height, st.View)
	out := ValidatorListResponse{
		Height:     st.Height,
		View:       uint32(st.View),
		F:          vs.F(),
		M:          vs.M(),
		Validators: make([]ValidatorResponse, 0, vs.Count()),
	}
	for i, k := range vs.Keys() {
		out.Validators = append(out.Validators, ValidatorResponse{
			Index:     i,
			PublicKey: hex.EncodeToString(k),
			Primary:   types.ValidatorIndex(i) == primary,
		})
	}
	writeJSONResponse(w, r, NewSuccessResponse(out), http.StatusOK)
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	count, size, oldest := s.pool.StatsDetailed()
	writeJSONResponse(w, r, NewSuccessResponse(MempoolResponse{
		Count:         count,
		Bytes:         size,
		OldestArrival: oldest,
	}), http.StatusOK)
}

func (s *Server) handlePoolTransaction(w http.ResponseWriter, r *http.Request) {
	h, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeErrorResponse(w, r, utils.CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	tx, ok := s.pool.Get(h)
	if !ok {
		writeErrorResponse(w, r, utils.CodeNotFound, "transaction not in pool", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, r, NewSuccessResponse(toTransactionResponse(tx)), http.StatusOK)
}

type submitTxRequest struct {
	// Tx is the hex of the CBOR-encoded transaction.
	Tx string `json:"tx"`
}

// handleSubmitTransaction admits a transaction into the local pool and
// gossips it. Gossip failure is logged, not returned: the pool already holds
// the transaction and it will be proposed from here.
func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitTxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, r, utils.CodeInvalidInput, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeErrorResponse(w, r, utils.CodeInvalidInput, "invalid JSON body", http.StatusBadRequest)
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.Tx, "0x"))
	if err != nil || len(raw) == 0 {
		writeErrorResponse(w, r, utils.CodeInvalidInput, "tx must be non-empty hex", http.StatusBadRequest)
		return
	}
	tx, err := block.DecodeTransaction(raw)
	if err != nil {
		writeErrorResponse(w, r, utils.CodeInvalidInput, "undecodable transaction", http.StatusBadRequest)
		return
	}

	hash := tx.Hash().String()
	if err := s.pool.Add(tx, s.now()); err != nil {
		code, status := poolErrorStatus(err)
		writeErrorResponse(w, r, code, err.Error(), status)
		return
	}

	ctx := r.Context()
	if err := s.consensus.PublishTransaction(ctx, tx); err != nil {
		s.logger.WarnContext(ctx, "transaction gossip failed",
			utils.ZapString("tx", hash),
			utils.ZapError(err))
	}
	if s.audit != nil {
		_ = s.audit.Info("api_tx_submitted", map[string]interface{}{
			"tx":         hash,
			"client_ip":  remoteIP(r),
			"request_id": getRequestID(ctx),
		})
	}
	writeJSONResponse(w, r, NewSuccessResponse(SubmitTxResponse{Hash: hash, Status: "accepted"}), http.StatusAccepted)
}

func poolErrorStatus(err error) (string, int) {
	switch {
	case errors.Is(err, mempool.ErrDuplicate):
		return "DUPLICATE", http.StatusConflict
	case errors.Is(err, mempool.ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests
	case errors.Is(err, mempool.ErrMempoolFull):
		return utils.CodeUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, mempool.ErrInvalidTx), errors.Is(err, mempool.ErrExpired):
		return utils.CodeInvalidInput, http.StatusBadRequest
	default:
		return utils.CodeInternal, http.StatusInternalServerError
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeErrorResponse(w, r, utils.CodeUnavailable, "p2p disabled", http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, r, NewSuccessResponse(PeersResponse{
		PeerID:    s.peers.ID().String(),
		Addrs:     s.peers.Addrs(),
		Connected: s.peers.GetConnectedPeerCount(),
	}), http.StatusOK)
}

func parseHash(s string) (types.Hash, error) {
	var h types.Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != len(h) {
		return h, errors.New("hash must be 32 bytes of hex")
	}
	copy(h[:], raw)
	return h, nil
}

func writeJSONResponse(w http.ResponseWriter, r *http.Request, response *Response, statusCode int) {
	requestID := getRequestID(r.Context())
	if response.Meta == nil {
		response.Meta = &MetaDTO{Timestamp: time.Now().UnixMilli()}
	}
	response.Meta.RequestID = requestID

	payload, err := utils.JSONMarshal(response)
	if err != nil {
		statusCode = http.StatusInternalServerError
		payload = []byte(`{"success":false,"error":{"code":"ENCODING_ERROR","message":"failed to encode response"}}`)
	}
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(statusCode)
	_, _ = w.Write(payload)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, code, message string, statusCode int) {
	payload, err := utils.JSONMarshal(NewErrorResponseSimple(code, message, getRequestID(r.Context())))
	if err != nil {
		payload = []byte(`{"success":false}`)
	}
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(statusCode)
	_, _ = w.Write(payload)
}
