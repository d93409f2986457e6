package api

import (
	"encoding/hex"
	"time"

	"github.com/r3e-network/neo-dbft/pkg/block"
)

const (
	HeaderContentType        = "Content-Type"
	HeaderRequestID          = "X-Request-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	ContentTypeJSON          = "application/json"
)

// Response is the envelope for every endpoint.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorDTO   `json:"error,omitempty"`
	Meta    *MetaDTO    `json:"meta,omitempty"`
}

type ErrorDTO struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type MetaDTO struct {
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
		Meta:    &MetaDTO{Timestamp: time.Now().UnixMilli()},
	}
}

func NewErrorResponseSimple(code, message, requestID string) *Response {
	return &Response{
		Error: &ErrorDTO{
			Code:      code,
			Message:   message,
			RequestID: requestID,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	UptimeS   int64  `json:"uptime_seconds"`
}

type ReadinessResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// StatusResponse describes the node and its current round.
type StatusResponse struct {
	NodeID    string           `json:"node_id"`
	Running   bool             `json:"running"`
	WatchOnly bool             `json:"watch_only"`
	Height    uint32           `json:"height"`
	View      uint32           `json:"view"`
	State     string           `json:"state"`
	Chain     ChainStatus      `json:"chain"`
	Metrics   ConsensusMetrics `json:"metrics"`
}

type ChainStatus struct {
	Height    uint32 `json:"height"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp_ms"`
}

type ConsensusMetrics struct {
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesAccepted  uint64 `json:"messages_accepted"`
	MessagesDropped   uint64 `json:"messages_dropped"`
	MessagesSent      uint64 `json:"messages_sent"`
	BlocksCommitted   uint64 `json:"blocks_committed"`
	ViewChanges       uint64 `json:"view_changes"`
	PolicyRejections  uint64 `json:"policy_rejections"`
	LastCommitTime    int64  `json:"last_commit_time,omitempty"`
	LastRoundDuration int64  `json:"last_round_duration_ms"`
}

type BlockResponse struct {
	Height        uint32                `json:"height"`
	Hash          string                `json:"hash"`
	Version       uint32                `json:"version"`
	PrevHash      string                `json:"prev_hash"`
	MerkleRoot    string                `json:"merkle_root"`
	Timestamp     uint64                `json:"timestamp_ms"`
	Nonce         uint64                `json:"nonce"`
	PrimaryIndex  uint8                 `json:"primary_index"`
	NextConsensus string                `json:"next_consensus"`
	Transactions  []TransactionResponse `json:"transactions"`
	Signatures    []SignatureResponse   `json:"signatures"`
}

type TransactionResponse struct {
	Hash            string `json:"hash"`
	Sender          string `json:"sender"`
	Nonce           uint32 `json:"nonce"`
	SystemFee       int64  `json:"system_fee"`
	NetworkFee      int64  `json:"network_fee"`
	ValidUntilBlock uint32 `json:"valid_until_block"`
	SizeBytes       int    `json:"size_bytes"`
}

type SignatureResponse struct {
	Validator int    `json:"validator"`
	Signature string `json:"signature"`
}

type ValidatorResponse struct {
	Index     int    `json:"index"`
	PublicKey string `json:"public_key"`
	Primary   bool   `json:"primary"`
}

type ValidatorListResponse struct {
	Height     uint32              `json:"height"`
	View       uint32              `json:"view"`
	F          int                 `json:"f"`
	M          int                 `json:"m"`
	Validators []ValidatorResponse `json:"validators"`
}

type MempoolResponse struct {
	Count         int   `json:"count"`
	Bytes         int   `json:"bytes"`
	OldestArrival int64 `json:"oldest_arrival_ns,omitempty"`
}

type PeersResponse struct {
	PeerID    string   `json:"peer_id"`
	Addrs     []string `json:"addrs"`
	Connected int      `json:"connected"`
}

type SubmitTxResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

func toTransactionResponse(tx *block.Transaction) TransactionResponse {
	return TransactionResponse{
		Hash:            tx.Hash().String(),
		Sender:          hex.EncodeToString(tx.Sender),
		Nonce:           tx.Nonce,
		SystemFee:       tx.SystemFee,
		NetworkFee:      tx.NetworkFee,
		ValidUntilBlock: tx.ValidUntilBlock,
		SizeBytes:       tx.Size(),
	}
}

func toBlockResponse(b *block.Block) BlockResponse {
	h := b.Header
	out := BlockResponse{
		Height:        h.Index,
		Hash:          b.Hash().String(),
		Version:       h.Version,
		PrevHash:      h.PrevHash.String(),
		MerkleRoot:    h.MerkleRoot.String(),
		Timestamp:     h.Timestamp,
		Nonce:         h.Nonce,
		PrimaryIndex:  uint8(h.PrimaryIndex),
		NextConsensus: h.NextConsensus.String(),
		Transactions:  make([]TransactionResponse, 0, len(b.Transactions)),
		Signatures:    make([]SignatureResponse, 0, len(b.Signatures)),
	}
	for _, tx := range b.Transactions {
		out.Transactions = append(out.Transactions, toTransactionResponse(tx))
	}
	for _, sig := range b.Signatures {
		out.Signatures = append(out.Signatures, SignatureResponse{
			Validator: int(sig.Validator),
			Signature: hex.EncodeToString(sig.Signature),
		})
	}
	return out
}
