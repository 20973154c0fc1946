package broker

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/packet"
)

// Router executes PUBLISH fan-out: retained-store update, topic match,
// per-subscriber QoS downgrade, hand-off to the QoS engine. It reaches
// sessions only through the store, by client id.
type Router struct {
	store  *SessionStore
	topics *TopicIndex
	engine *QoSEngine
	log    *logger.Logger
}

func NewRouter(store *SessionStore, topics *TopicIndex, engine *QoSEngine) *Router {
	return &Router{
		store:  store,
		topics: topics,
		engine: engine,
		log:    logger.NewComponentLogger("router"),
	}
}

// Route distributes one inbound PUBLISH. The call returns only after
// every matching subscriber has the message in its outbound queue, so
// two publishes routed back to back from the same publisher enqueue in
// order for every subscriber.
func (r *Router) Route(pub *packet.PublishPacket) {
	if pub.Retain {
		r.topics.SetRetained(pub.Topic, pub.Payload, pub.QoS)
		action := "stored"
		if len(pub.Payload) == 0 {
			action = "removed"
		}
		r.log.LogRetainedMessage(pub.Topic, action, len(pub.Payload))
	}

	matches := r.topics.Matches(pub.Topic)
	if len(matches) == 0 {
		return
	}

	group := new(errgroup.Group)
	for clientID, subQoS := range matches {
		sess, ok := r.store.Get(clientID)
		if !ok {
			continue
		}

		effectiveQoS := packet.MinQoS(pub.QoS, subQoS)
		group.Go(func() error {
			return r.engine.Deliver(sess, pub.Topic, pub.Payload, effectiveQoS, false)
		})
	}
	if err := group.Wait(); err != nil {
		r.log.LogError(err, "fan-out delivery failed", slog.String("topic", pub.Topic))
	}

	r.log.LogPublish("", pub.Topic, int(pub.QoS), pub.Retain, len(pub.Payload),
		slog.Int("subscribers", len(matches)))
}

// DeliverRetained replays the retained snapshots matching a freshly
// admitted subscription. Retained replays keep RETAIN=1 on the wire
// (MQTT 3.1.1 §3.3.1.3).
func (r *Router) DeliverRetained(clientID, filter string, grantedQoS packet.QoSLevel) {
	sess, ok := r.store.Get(clientID)
	if !ok {
		return
	}

	for _, retained := range r.topics.RetainedForFilter(filter) {
		effectiveQoS := packet.MinQoS(retained.QoS, grantedQoS)
		if err := r.engine.Deliver(sess, retained.Topic, retained.Payload, effectiveQoS, true); err != nil {
			r.log.LogError(err, "retained delivery failed",
				slog.String("client_id", clientID),
				slog.String("topic", retained.Topic))
			continue
		}
		r.log.LogRetainedMessage(retained.Topic, "delivered", len(retained.Payload))
	}
}

// PublishWill routes a will message as if the departed client had
// published it itself.
func (r *Router) PublishWill(will *WillMessage) {
	r.Route(&packet.PublishPacket{
		Topic:   will.Topic,
		Payload: will.Payload,
		QoS:     will.QoS,
		Retain:  will.Retain,
	})
}
