package types

import (
	"context"
	"time"
)

// AuditLogger records security relevant consensus events.
// SINGLE definition used across all packages
type AuditLogger interface {
	Info(event string, fields map[string]interface{}) error
	Warn(event string, fields map[string]interface{}) error
	Error(event string, fields map[string]interface{}) error
	Security(event string, fields map[string]interface{}) error
}

// Logger provides structured logging with alternating key/value fields.
// SINGLE definition used across all packages
type Logger interface {
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})
	DebugContext(ctx context.Context, msg string, fields ...interface{})

	With(fields ...interface{}) Logger
}

// Signer signs digests with this node's validator key. The key never leaves
// the implementation.
type Signer interface {
	Sign(ctx context.Context, digest Hash) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature over a digest against a public key.
type Verifier interface {
	Verify(publicKey []byte, digest Hash, signature []byte) bool
}

// RoundStore persists the encoded in-progress round of this node so a
// restart does not sign conflicting messages.
type RoundStore interface {
	SaveRound(ctx context.Context, height uint32, data []byte) error
	LoadRound(ctx context.Context) ([]byte, error)
}

// Metrics receives consensus events for export.
type Metrics interface {
	MessageReceived(kind string, outcome string)
	MessageSent(kind string)
	ViewChanged(height uint32, view ViewNumber, reason ChangeViewReason)
	BlockCommitted(height uint32, txCount int, roundDuration time.Duration)
	PolicyRejected(reason string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) MessageReceived(string, string)                   {}
func (NoopMetrics) MessageSent(string)                               {}
func (NoopMetrics) ViewChanged(uint32, ViewNumber, ChangeViewReason) {}
func (NoopMetrics) BlockCommitted(uint32, int, time.Duration)        {}
func (NoopMetrics) PolicyRejected(string)                            {}
