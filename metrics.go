package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/rpc"
)

type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	RPCRequests *prometheus.CounterVec

	// Channel metrics
	Channels          *prometheus.GaugeVec
	ChannelOperations *prometheus.CounterVec
	Payouts           *prometheus.CounterVec
	CurrentHeight     prometheus.Gauge
}

func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "custodian_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_rpc_requests_total",
			Help: "The total number of RPC requests by method",
		}, []string{"method", "status"}),
		Channels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custodian_channels",
			Help: "The number of channels by dispute state",
		}, []string{"status"}),
		ChannelOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_channel_operations_total",
			Help: "The total number of channel operations by outcome",
		}, []string{"operation", "status"}),
		Payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_payouts_total",
			Help: "Base units released from channel escrow",
		}, []string{"kind"}),
		CurrentHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "custodian_current_height",
			Help: "The last height read from the height source",
		}),
	}
}

// RecordOperation and RecordPayout do nothing on a nil *Metrics.
func (m *Metrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ChannelOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordPayout(kind string, amount decimal.Decimal) {
	if m != nil && amount.IsPositive() {
		m.Payouts.WithLabelValues(kind).Add(amount.InexactFloat64())
	}
}

// UpdateChannelMetrics recounts channels per state at height.
func (m *Metrics) UpdateChannelMetrics(db *gorm.DB, height uint32) error {
	var open, disputed, settleable int64
	if err := db.Model(&Channel{}).Where("settle_height = 0").Count(&open).Error; err != nil {
		return err
	}
	if err := db.Model(&Channel{}).Where("settle_height >= ?", height).Where("settle_height > 0").Count(&disputed).Error; err != nil {
		return err
	}
	if err := db.Model(&Channel{}).Where("settle_height > 0 AND settle_height < ?", height).Count(&settleable).Error; err != nil {
		return err
	}

	m.Channels.Reset()
	m.Channels.WithLabelValues(string(rpc.ChannelStatusOpen)).Set(float64(open))
	m.Channels.WithLabelValues(string(rpc.ChannelStatusDisputed)).Set(float64(disputed))
	m.Channels.WithLabelValues(string(rpc.ChannelStatusSettleable)).Set(float64(settleable))
	m.CurrentHeight.Set(float64(height))
	return nil
}
