package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type artifactSweeper interface {
	SweepOlderThan(ttl time.Duration) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startArtifactSweeper(ctx context.Context, logger *slog.Logger, store artifactSweeper, interval, ttl time.Duration) func() {
	return startArtifactSweeperWithTicker(ctx, logger, store, interval, ttl, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startArtifactSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store artifactSweeper,
	interval, ttl time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 || ttl <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := store.SweepOlderThan(ttl)
				if err != nil {
					if logger != nil {
						logger.Error("failed to sweep stale artifacts", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("swept stale artifacts", "removed", removed, "ttl", ttl.String())
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
