package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/metrics"
)

// Filter decides whether an envelope reaches the handler
type Filter func(ctx context.Context, env *contracts.Envelope) (bool, error)

// SkipBehavior defines what happens when an envelope is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the envelope without processing it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery
	SkipWithError
	// SkipWithLog acknowledges the envelope and logs it
	SkipWithLog
)

// FilteredError is returned by SkipWithError filters
type FilteredError struct {
	MessageID string
	Sender    string
}

func (e *FilteredError) Error() string {
	return fmt.Sprintf("message filtered: id=%s, sender=%s", e.MessageID, e.Sender)
}

// FilteringInterceptor drops envelopes rejected by a Filter
type FilteringInterceptor struct {
	filter       Filter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

func NewFilteringInterceptor(filter Filter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ok, err := i.filter(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx, env)
	}

	metrics.ObserveHandler(i.Name(), metrics.ResultSkipped, 0)
	switch i.skipBehavior {
	case SkipWithError:
		return &FilteredError{MessageID: env.ID, Sender: env.Sender}
	case SkipWithLog:
		i.logger.Info("envelope filtered", "messageId", env.ID, "sender", env.Sender)
	}
	return nil
}

func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// SenderFilter accepts envelopes sent by one of senders
func SenderFilter(senders ...string) Filter {
	return func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return slices.Contains(senders, env.Sender), nil
	}
}

// NotFromSelf rejects envelopes this application sent itself
func NotFromSelf(applicationName string) Filter {
	return func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return env.Sender != applicationName, nil
	}
}

// DuplicateDetector remembers processed message ids
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor acknowledges envelopes whose id was already
// processed. An id is marked only after the handler succeeded, so a failed
// delivery is processed again when redelivered.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetectionInterceptor{detector: detector, logger: logger}
}

func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	duplicate, err := i.detector.IsDuplicate(ctx, env.ID)
	if err != nil {
		return err
	}
	if duplicate {
		metrics.ObserveHandler(i.Name(), metrics.ResultSkipped, 0)
		i.logger.Warn("duplicate envelope skipped", "messageId", env.ID, "sender", env.Sender)
		return nil
	}

	if err := next(ctx, env); err != nil {
		return err
	}
	return i.detector.MarkProcessed(ctx, env.ID)
}

func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector keeps the last capacity processed ids in memory
type MemoryDuplicateDetector struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

func NewMemoryDuplicateDetector(capacity int) *MemoryDuplicateDetector {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryDuplicateDetector{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

func (d *MemoryDuplicateDetector) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[messageID]
	return ok, nil
}

func (d *MemoryDuplicateDetector) MarkProcessed(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[messageID]; ok {
		return nil
	}
	if len(d.order) == d.capacity {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	d.seen[messageID] = struct{}{}
	d.order = append(d.order, messageID)
	return nil
}
