package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sequencer allocates account-level sequence numbers. Satisfied by the
// account repository; updates must carry a store-allocated seq so clients
// can detect gaps, so the emitter owns the allocate-then-emit pairing.
type Sequencer interface {
	AllocateSeq(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// Emitter builds and fans out update envelopes and ephemerals. It is the
// single entry point both protocol layers use, keeping the seq/envelope
// discipline in one place.
type Emitter struct {
	router *Router
	seq    Sequencer
	logger *zap.Logger
}

// NewEmitter creates an Emitter over the router and sequencer.
func NewEmitter(router *Router, seq Sequencer, logger *zap.Logger) *Emitter {
	return &Emitter{
		router: router,
		seq:    seq,
		logger: logger.Named("emitter"),
	}
}

// EmitUpdate allocates the account's next event seq, wraps body in an
// update envelope, and fans it out per the filter. Allocation failure
// skips the emission entirely — an update without a valid seq would break
// the client's gap detection.
func (e *Emitter) EmitUpdate(ctx context.Context, accountID uuid.UUID, body any, filter Filter, skipSender *Connection) {
	seq, err := e.seq.AllocateSeq(ctx, accountID)
	if err != nil {
		e.logger.Error("failed to allocate update seq",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return
	}

	e.router.Emit(EmitParams{
		AccountID:  accountID.String(),
		Event:      Update,
		Payload:    NewUpdateEnvelope(seq, body, time.Now().UnixMilli()),
		Filter:     filter,
		SkipSender: skipSender,
	})
}

// EmitEphemeral fans out a transient presence payload. No sequence is
// allocated and no delivery guarantee is made beyond best effort.
func (e *Emitter) EmitEphemeral(accountID string, payload any, filter Filter) {
	e.router.Emit(EmitParams{
		AccountID: accountID,
		Event:     Ephemeral,
		Payload:   payload,
		Filter:    filter,
	})
}
