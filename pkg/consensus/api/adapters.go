package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/neo-dbft/pkg/consensus/service"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// loggerAdapter bridges utils.Logger to types.Logger with simple field mapping.
type loggerAdapter struct {
	l      *utils.Logger
	fields []zap.Field
}

// NewLoggerAdapter wraps l for the consensus packages.
func NewLoggerAdapter(l *utils.Logger) types.Logger { return &loggerAdapter{l: l} }

func (a *loggerAdapter) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	a.l.InfoContext(ctx, msg, a.merge(fields)...)
}

func (a *loggerAdapter) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	a.l.WarnContext(ctx, msg, a.merge(fields)...)
}

func (a *loggerAdapter) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	a.l.ErrorContext(ctx, msg, a.merge(fields)...)
}

func (a *loggerAdapter) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	a.l.DebugContext(ctx, msg, a.merge(fields)...)
}

func (a *loggerAdapter) With(fields ...interface{}) types.Logger {
	return &loggerAdapter{l: a.l, fields: a.merge(fields)}
}

func (a *loggerAdapter) merge(fields []interface{}) []zap.Field {
	extra := toZapFields(fields...)
	if len(a.fields) == 0 {
		return extra
	}
	out := make([]zap.Field, 0, len(a.fields)+len(extra))
	out = append(out, a.fields...)
	return append(out, extra...)
}

func toZapFields(fields ...interface{}) []zap.Field {
	// Convert key/value pairs into zap fields via utils helpers.
	out := make([]zap.Field, 0, len(fields)/2)
	n := len(fields)
	for i := 0; i+1 < n; i += 2 {
		k, ok := fields[i].(string)
		if !ok {
			k = fmt.Sprintf("%v", fields[i])
		}
		switch v := fields[i+1].(type) {
		case error:
			out = append(out, utils.ZapString(k, v.Error()))
		case time.Duration:
			out = append(out, utils.ZapDuration(k, v))
		case string:
			out = append(out, utils.ZapString(k, v))
		default:
			out = append(out, utils.ZapAny(k, v))
		}
	}
	return out
}

// recorder counts consensus events into the engine snapshot and forwards
// them to an optional exporter.
type recorder struct {
	local *EngineMetrics
	next  types.Metrics
}

func (r *recorder) MessageReceived(kind string, outcome string) {
	r.local.received.Add(1)
	if outcome == service.OutcomeAccepted {
		r.local.accepted.Add(1)
	} else {
		r.local.dropped.Add(1)
	}
	r.next.MessageReceived(kind, outcome)
}

func (r *recorder) MessageSent(kind string) {
	r.local.sent.Add(1)
	r.next.MessageSent(kind)
}

func (r *recorder) ViewChanged(height uint32, view types.ViewNumber, reason types.ChangeViewReason) {
	r.local.viewChanges.Add(1)
	r.next.ViewChanged(height, view, reason)
}

func (r *recorder) BlockCommitted(height uint32, txCount int, roundDuration time.Duration) {
	r.local.blocksCommitted.Add(1)
	r.local.lastCommitUnixNano.Store(time.Now().UnixNano())
	r.local.lastRoundNanos.Store(int64(roundDuration))
	r.next.BlockCommitted(height, txCount, roundDuration)
}

func (r *recorder) PolicyRejected(reason string) {
	r.local.policyRejections.Add(1)
	r.next.PolicyRejected(reason)
}
