package eventbus

import (
	"errors"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
)

// TopicNotification carries core.Notification payloads.
const TopicNotification = "notification"

// Notifier publishes notifications on an EventBus, keyed by destination so
// notifications for one address stay ordered. It implements core.Notifier.
type Notifier struct {
	bus EventBus
}

func NewNotifier(bus EventBus) *Notifier {
	return &Notifier{bus: bus}
}

// Notify publishes n. A missing subscriber is not an error; overflow and a
// closed bus are logged.
func (n *Notifier) Notify(note core.Notification) {
	err := n.bus.Publish(&Event{
		Topic:   TopicNotification,
		Key:     note.Addr.String(),
		Payload: note,
	})
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues(note.Kind.String(), metrics.ResultOK).Inc()
	case errors.Is(err, core.ErrNoSubscriber):
		metrics.NotificationsTotal.WithLabelValues(note.Kind.String(), "no_subscriber").Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues(note.Kind.String(), metrics.ResultDropped).Inc()
		log.GetLogger().WithField("dst", note.Addr.String()).Warnf("%s notification dropped: %v", note.Kind, err)
	}
}

// SubscribeNotifications registers handler for every published notification.
func SubscribeNotifications(bus EventBus, handler func(core.Notification) error) (Subscription, error) {
	return bus.Subscribe(TopicNotification, func(event *Event) error {
		note, ok := event.Payload.(core.Notification)
		if !ok {
			return nil
		}
		return handler(note)
	})
}
