package app

import (
	"context"
	"errors"

	"trade-control-plane/internal/feed"
	"trade-control-plane/internal/resilience"

	"go.uber.org/zap"
)

func feedWatchdogName(name string) string {
	return "feed:" + name
}

// buildFeeds creates the market-data clients. Each inbound frame heartbeats the feed's
// watchdog and updates the quote book used for order sizing.
func (a *App) buildFeeds() error {
	for _, fc := range a.cfg.Feeds {
		wdName := feedWatchdogName(fc.Name)
		client := feed.New(fc.Name, fc.URL, feed.Options{
			ReconnectDelay: fc.ReconnectDelay,
			PingInterval:   fc.PingInterval,
			OnMessage:      func(string) { a.watchdogs.Heartbeat(wdName) },
		}, a.log)
		if err := a.watchdogs.Register(resilience.NewWatchdog(wdName, fc.StallTimeout, a.onWatchdogTimeout)); err != nil {
			return err
		}
		stall := fc.StallTimeout
		check := resilience.NewHealthCheck(wdName, resilience.BoolCheck(func(context.Context) bool {
			return client.Healthy(stall)
		}), a.cfg.Resilience.HealthTimeout, a.cfg.Resilience.HealthMaxFailures)
		if err := a.health.Register(check); err != nil {
			return err
		}
		a.feeds = append(a.feeds, client)
	}
	return nil
}

func (a *App) startFeeds(ctx context.Context) {
	for _, client := range a.feeds {
		client := client
		go func() {
			err := client.Run(ctx, a.quotes.Update)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("feed stopped", zap.String("feed", client.Name()), zap.Error(err))
			}
		}()
	}
}
