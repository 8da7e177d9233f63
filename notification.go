package main

import (
	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

type NotifyFunc func(userID string, method string, params rpc.Params)

type WSNotifier struct {
	notify NotifyFunc
	logger log.Logger
}

func NewWSNotifier(notify NotifyFunc, logger log.Logger) *WSNotifier {
	return &WSNotifier{
		notify: notify,
		logger: logger.WithName("notifier"),
	}
}

// Notify is safe on a nil notifier, which drops everything.
func (n *WSNotifier) Notify(notifications ...*Notification) {
	if n == nil {
		return
	}
	for _, notification := range notifications {
		if notification == nil {
			continue
		}
		params, err := rpc.NewParams(notification.data)
		if err != nil {
			n.logger.Error("failed to prepare notification", "error", err, "event", notification.eventType)
			continue
		}
		n.notify(notification.userID, notification.eventType.String(), params)
		n.logger.Debug("notification sent", "event", notification.eventType, "userID", notification.userID)
	}
}

type Notification struct {
	userID    string
	eventType rpc.Event
	data      any
}

// NewChannelEventNotifications addresses an event to both channel parties,
// or to owner when the event has no channel.
func NewChannelEventNotifications(event *ChannelEvent, owner string) []*Notification {
	if event == nil {
		return nil
	}
	data := event.Response()
	if event.ChannelKey == "" {
		if owner == "" {
			return nil
		}
		return []*Notification{{userID: owner, eventType: rpc.ChannelEventNotification, data: data}}
	}
	return []*Notification{
		{userID: event.Sender, eventType: rpc.ChannelEventNotification, data: data},
		{userID: event.Receiver, eventType: rpc.ChannelEventNotification, data: data},
	}
}

func NewChannelDisputedNotification(channel Channel, height uint32) *Notification {
	return &Notification{
		userID:    channel.Receiver,
		eventType: rpc.ChannelDisputedNotification,
		data:      rpc.ChannelDisputedNotice{Channel: channel.Info(height), CurrentHeight: height},
	}
}

func NewChannelSettleableNotification(channel Channel, height uint32) *Notification {
	return &Notification{
		userID:    channel.Sender,
		eventType: rpc.ChannelSettleableNotification,
		data:      rpc.ChannelDisputedNotice{Channel: channel.Info(height), CurrentHeight: height},
	}
}
