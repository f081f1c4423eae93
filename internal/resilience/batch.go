package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// BatchFallback implements [stt.BatchProvider] with failover across several
// backends, each behind its own breaker. [stt.ErrNoTranscript] is treated as
// an answer: it neither trips a breaker nor moves on to the next backend.
type BatchFallback struct {
	group *FallbackGroup[stt.BatchProvider]
}

var _ stt.BatchProvider = (*BatchFallback)(nil)

// NewBatchFallback creates a [BatchFallback] with primary as the preferred
// backend.
func NewBatchFallback(primary stt.BatchProvider, primaryName string, cfg FallbackConfig) *BatchFallback {
	cfg.CircuitBreaker.Ignore = func(err error) bool {
		return errors.Is(err, stt.ErrNoTranscript)
	}
	return &BatchFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *BatchFallback) AddFallback(name string, p stt.BatchProvider) {
	f.group.AddFallback(name, p)
}

// Transcribe sends wav to the first healthy backend.
func (f *BatchFallback) Transcribe(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, error) {
	text, _, err := f.TranscribeNamed(ctx, wav, opts)
	return text, err
}

// TranscribeNamed is [BatchFallback.Transcribe] that also reports which
// backend produced the answer.
func (f *BatchFallback) TranscribeNamed(ctx context.Context, wav []byte, opts stt.BatchOptions) (string, string, error) {
	return ExecuteWithResult(f.group, func(p stt.BatchProvider) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return p.Transcribe(ctx, wav, opts)
	})
}

// Names returns the backend names in call order.
func (f *BatchFallback) Names() []string { return f.group.Names() }

// States returns each backend's breaker state.
func (f *BatchFallback) States() map[string]State { return f.group.States() }
