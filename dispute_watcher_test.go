package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paylane/custodian/pkg/rpc"
)

func TestDisputeWatcher_CheckSettleable(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	sender, receiver := newTestWallet(t), newTestWallet(t)
	env.fund(t, sender.Address(), 100)
	_, err := env.service.Open(ctx, sender.Address(), receiver.Address(), dec(100))
	require.NoError(t, err)

	env.setHeight(t, 20)
	_, err = env.service.UncooperativeClose(ctx, sender.Address(), receiver.Address(), 10, dec(70))
	require.NoError(t, err)

	watcher := NewDisputeWatcher(env.service, env.notifier, env.metrics, 0, testLogger())

	sent, err := watcher.checkSettleable(ctx, 520)
	require.NoError(t, err)
	assert.Zero(t, sent, "still inside the challenge period")

	sent, err = watcher.checkSettleable(ctx, 521)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	settleable := env.recorder.byMethod(rpc.ChannelSettleableNotification)
	require.Len(t, settleable, 1)
	assert.Equal(t, sender.Address().Hex(), settleable[0].userID)

	sent, err = watcher.checkSettleable(ctx, 522)
	require.NoError(t, err)
	assert.Zero(t, sent, "each closing request is announced once")

	env.setHeight(t, 521)
	_, err = env.service.Settle(ctx, sender.Address(), receiver.Address(), 10)
	require.NoError(t, err)

	sent, err = watcher.checkSettleable(ctx, 523)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, watcher.notified, "settled channels are forgotten")
}

func TestDisputeWatcher_TickUpdatesMetrics(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	sender, receiver := newTestWallet(t), newTestWallet(t)
	env.fund(t, sender.Address(), 100)
	_, err := env.service.Open(ctx, sender.Address(), receiver.Address(), dec(100))
	require.NoError(t, err)

	watcher := NewDisputeWatcher(env.service, env.notifier, env.metrics, 0, testLogger())
	watcher.tick(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Channels.WithLabelValues(string(rpc.ChannelStatusOpen))))
	assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.Channels.WithLabelValues(string(rpc.ChannelStatusDisputed))))
	assert.Equal(t, float64(10), testutil.ToFloat64(env.metrics.CurrentHeight))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ChannelOperations.WithLabelValues("open_channel", "success")))
}
