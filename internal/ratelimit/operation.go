package ratelimit

import (
	"time"

	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"golang.org/x/time/rate"
)

// Operation is the shape of a requested operation as far as throttling is
// concerned.
type Operation struct {
	Type     node.OperationType
	ItemID   node.ID
	ParentID node.ID
	IsFile   bool
}

func (o Operation) touchesParent() bool {
	return o.Type == node.OpCreate || o.Type == node.OpMove
}

func (o Operation) uploadsContent() bool {
	return o.IsFile && (o.Type == node.OpCreate || o.Type == node.OpEdit)
}

type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// AccessRate caps operations per second across the adapter. Zero disables it.
	AccessRate  float64
	AccessBurst int
}

// OperationLimiter combines the per-item, per-parent and upload limiters
// with an optional global access rate.
type OperationLimiter struct {
	Items   *Limiter
	Parents *Limiter
	Uploads *Limiter
	access  *rate.Limiter
}

func NewOperationLimiter(cfg Config) *OperationLimiter {
	o := &OperationLimiter{
		Items:   New(cfg.MinDelay, cfg.MaxDelay),
		Parents: New(cfg.MinDelay, cfg.MaxDelay),
		Uploads: NewWithRecovery(cfg.MinDelay, cfg.MaxDelay),
	}
	if cfg.AccessRate > 0 {
		burst := cfg.AccessBurst
		if burst <= 0 {
			burst = 1
		}
		o.access = rate.NewLimiter(rate.Limit(cfg.AccessRate), burst)
	}
	return o
}

func (o *OperationLimiter) SetClock(now func() time.Time) {
	o.Items.SetClock(now)
	o.Parents.SetClock(now)
	o.Uploads.SetClock(now)
}

// CanExecute returns CodeNone when op may run now, otherwise the rate
// limit code to report.
func (o *OperationLimiter) CanExecute(op Operation) replica.Code {
	if !o.Items.CanExecute(op.ItemID) {
		return replica.CodeRetryRateLimitExceeded
	}
	if op.touchesParent() && !o.Parents.CanExecute(op.ParentID) {
		return replica.CodeRetryRateLimitExceeded
	}
	if op.uploadsContent() && !o.Uploads.CanExecute(op.ItemID) {
		return replica.CodeRetryRateLimitExceeded
	}
	if o.access != nil && !o.access.Allow() {
		return replica.CodeAccessRateLimitExceeded
	}
	return replica.CodeNone
}

func (o *OperationLimiter) HandleSuccess(op Operation) {
	o.Items.HandleSuccess(op.ItemID)
	if op.touchesParent() {
		o.Parents.HandleSuccess(op.ParentID)
	}
	if op.uploadsContent() {
		o.Uploads.HandleSuccess(op.ItemID)
	}
}

// HandleFailure escalates the limiter responsible for code. Codes that are
// not retryable, and rate limit denials themselves, leave delays untouched.
func (o *OperationLimiter) HandleFailure(op Operation, code replica.Code) {
	if !code.Retryable() {
		return
	}
	switch code {
	case replica.CodeRetryRateLimitExceeded, replica.CodeAccessRateLimitExceeded:
		return
	case replica.CodeTooManyChildren:
		o.Parents.HandleFailure(op.ParentID)
	case replica.CodePartial, replica.CodeIntegrityFailure, replica.CodeFreeSpaceExceeded:
		if op.uploadsContent() {
			o.Uploads.HandleFailure(op.ItemID)
			return
		}
		o.Items.HandleFailure(op.ItemID)
	default:
		o.Items.HandleFailure(op.ItemID)
	}
}

// RetryAfter returns how long until op clears every limiter it consults.
func (o *OperationLimiter) RetryAfter(op Operation) time.Duration {
	wait := o.Items.RetryAfter(op.ItemID)
	if op.touchesParent() {
		wait = max(wait, o.Parents.RetryAfter(op.ParentID))
	}
	if op.uploadsContent() {
		wait = max(wait, o.Uploads.RetryAfter(op.ItemID))
	}
	return wait
}
