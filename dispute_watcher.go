package main

import (
	"context"
	"time"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

const (
	defaultWatchInterval = 15 * time.Second
	watchBatchSize       = 100
)

// DisputeWatcher tells senders when the challenge period of their channel is
// over, so they can settle. It also refreshes the channel gauges.
type DisputeWatcher struct {
	service  *ChannelService
	notifier *WSNotifier
	metrics  *Metrics
	interval time.Duration
	logger   log.Logger

	// notified holds keys whose settleable notification was already sent.
	notified map[string]uint32
}

func NewDisputeWatcher(service *ChannelService, notifier *WSNotifier, metrics *Metrics, interval time.Duration, logger log.Logger) *DisputeWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &DisputeWatcher{
		service:  service,
		notifier: notifier,
		metrics:  metrics,
		interval: interval,
		logger:   logger.WithName("dispute-watcher"),
		notified: make(map[string]uint32),
	}
}

// Start blocks until ctx is done.
func (w *DisputeWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("dispute watcher started", "interval", w.interval)

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispute watcher stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *DisputeWatcher) tick(ctx context.Context) {
	height, err := w.service.CurrentHeight(ctx)
	if err != nil {
		w.logger.Error("failed to read height", "error", err)
		return
	}
	if _, err := w.checkSettleable(ctx, height); err != nil {
		w.logger.Error("failed to check disputed channels", "error", err)
	}
	if w.metrics != nil {
		if err := w.metrics.UpdateChannelMetrics(w.service.db.WithContext(ctx), height); err != nil {
			w.logger.Error("failed to update channel metrics", "error", err)
		}
	}
}

// checkSettleable notifies the sender of every disputed channel whose
// period ended before height, once per closing request. It returns the
// number of notifications sent.
func (w *DisputeWatcher) checkSettleable(ctx context.Context, height uint32) (int, error) {
	seen := make(map[string]bool, len(w.notified))
	sent := 0

	for offset := uint32(0); ; offset += watchBatchSize {
		channels, err := ListChannels(w.service.db.WithContext(ctx), ChannelFilter{DisputedOnly: true}, &rpc.ListOptions{
			Offset: offset,
			Limit:  watchBatchSize,
		})
		if err != nil {
			return sent, err
		}

		for _, ch := range channels {
			seen[ch.ChannelKey] = true
			if height <= ch.SettleHeight {
				continue
			}
			if settleHeight, ok := w.notified[ch.ChannelKey]; ok && settleHeight == ch.SettleHeight {
				continue
			}
			w.notifier.Notify(NewChannelSettleableNotification(ch, height))
			w.notified[ch.ChannelKey] = ch.SettleHeight
			sent++
			w.logger.Debug("channel settleable", "key", ch.ChannelKey, "settleHeight", ch.SettleHeight, "height", height)
		}

		if len(channels) < watchBatchSize {
			break
		}
	}

	// Settled channels are gone from the table.
	for key := range w.notified {
		if !seen[key] {
			delete(w.notified, key)
		}
	}
	return sent, nil
}
