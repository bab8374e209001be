package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor is the scheduler side of settlement: it drains the queue on a
// fixed interval and whenever Trigger is called.
type Processor struct {
	coordinator  *Coordinator
	processDelay time.Duration
	wake         chan struct{}
}

func NewProcessor(coordinator *Coordinator, processDelay time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = 5 * time.Second
	}
	return &Processor{
		coordinator:  coordinator,
		processDelay: processDelay,
		wake:         make(chan struct{}, 1),
	}
}

// Trigger asks the processor to drain the queue now. It never blocks;
// triggers that arrive while a drain is already queued are coalesced.
func (p *Processor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.drain(ctx)
	}
}

func (p *Processor) drain(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	results, err := p.coordinator.ProcessAllPendingOrders(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("failed to process pending orders")
	}
	if len(results) == 0 {
		return
	}

	completed := 0
	for _, r := range results {
		if r.Success {
			completed++
		}
	}
	logger.Info().
		Int("processed", len(results)).
		Int("completed", completed).
		Int("failed", len(results)-completed).
		Msg("processed pending orders")
}
