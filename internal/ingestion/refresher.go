package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/protocol"
)

// PriceRefresher periodically submits a price refresh so the event log and
// price history carry a regular trace of what the oracle was serving, not
// only the prices consumed by mints and redemptions.
type PriceRefresher struct {
	log      zerolog.Logger
	engine   *core.Engine
	interval time.Duration
}

func NewPriceRefresher(log zerolog.Logger, engine *core.Engine, interval time.Duration) *PriceRefresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PriceRefresher{
		log:      log.With().Str("component", "price_refresher").Logger(),
		engine:   engine,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled. Rejections are normal while the oracle
// is paused or the feeds are cold; they are logged and the ticker goes on.
func (r *PriceRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := r.engine.Submit(ctx, core.RefreshPriceOp{OperationID: uuid.New()})
			if err != nil {
				if errors.Is(err, core.ErrEngineStopped) || errors.Is(err, context.Canceled) {
					return err
				}
				r.log.Warn().Err(err).Msg("price refresh submit failed")
				continue
			}
			if res.Err != nil {
				level := r.log.Warn()
				if errors.Is(res.Err, protocol.ErrOraclePaused) {
					level = r.log.Debug()
				}
				level.Err(res.Err).Msg("price refresh rejected")
			}
		}
	}
}
