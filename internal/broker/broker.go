package broker

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/persistence"
)

const (
	DefaultRetryInterval   = 5 * time.Second
	DefaultMaxRetries      = 3
	DefaultKeepAliveFactor = 1.5
)

// Options configures the broker core. Zero values fall back to the
// documented defaults.
type Options struct {
	RetryInterval   time.Duration
	MaxRetries      int
	MaxInflight     int
	KeepAliveFactor float64
	SweepInterval   time.Duration
	Persistence     persistence.Store
	Metrics         *metrics.Metrics
}

// Broker owns the process-wide state (session store, topic index with
// its retained map, QoS engine) and exposes the operations the
// connection supervisor dispatches into.
type Broker struct {
	opts   Options
	store  *SessionStore
	topics *TopicIndex
	engine *QoSEngine
	router *Router
	log    *logger.Logger

	events chan DeliveryEvent

	willMu     sync.Mutex
	willTimers map[string]*time.Timer
}

func New(opts Options) *Broker {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.KeepAliveFactor <= 0 {
		opts.KeepAliveFactor = DefaultKeepAliveFactor
	}

	b := &Broker{
		opts:       opts,
		store:      NewSessionStore(opts.Persistence),
		topics:     NewTopicIndex(),
		log:        logger.NewComponentLogger("broker"),
		events:     make(chan DeliveryEvent, 64),
		willTimers: make(map[string]*time.Timer),
	}

	b.engine = NewQoSEngine(b.store, QoSEngineOptions{
		RetryInterval: opts.RetryInterval,
		MaxRetries:    opts.MaxRetries,
		MaxInflight:   opts.MaxInflight,
		SweepInterval: opts.SweepInterval,
		OnExpired:     b.deliveryExpired,
	})
	b.router = NewRouter(b.store, b.topics, b.engine)

	return b
}

// Stop shuts down the retransmission sweeper and pending will timers.
func (b *Broker) Stop() {
	b.engine.Stop()

	b.willMu.Lock()
	defer b.willMu.Unlock()
	for clientID, timer := range b.willTimers {
		timer.Stop()
		delete(b.willTimers, clientID)
	}
}

func (b *Broker) KeepAliveFactor() float64 {
	return b.opts.KeepAliveFactor
}

// Events surfaces session-level delivery failures (DeliveryExpired,
// NoFreePacketID). The channel never blocks the engine; slow consumers
// lose events.
func (b *Broker) Events() <-chan DeliveryEvent {
	return b.events
}

func (b *Broker) deliveryExpired(event DeliveryEvent) {
	if m := b.opts.Metrics; m != nil {
		m.DeliveriesExpired.Inc()
	}
	select {
	case b.events <- event:
	default:
	}
}

// Connect runs the session half of the CONNECT handshake: take over a
// prior attachment for the same client id, cancel any delayed will
// still waiting, install or resume the session, bring the topic index
// in line with it, and attach the transport. Returns the session and
// the CONNACK session-present flag.
func (b *Broker) Connect(clientID string, cleanSession bool, keepAlive uint16, will *WillMessage, conn io.Writer) (*Session, bool) {
	b.cancelWill(clientID)

	// A second attachment for the same client id takes over; the prior
	// transport is closed first.
	if prior, ok := b.store.Get(clientID); ok && prior.Connected() {
		prior.CloseAttachment()
		b.log.LogClientConnection(clientID, "", "takeover")
	}

	sess, sessionPresent := b.store.Connect(clientID, cleanSession)
	if cleanSession {
		// A clean session starts without the prior session's filters.
		b.topics.RemoveAll(clientID)
	} else if sessionPresent {
		// A session restored from persistence has its filters only in
		// its bookkeeping; re-adding them to the index is idempotent.
		for filter, qos := range sess.Subscriptions() {
			_ = b.topics.Add(clientID, filter, qos)
		}
	}
	sess.Attach(conn, keepAlive, will)

	if m := b.opts.Metrics; m != nil {
		m.ActiveClients.Set(float64(len(b.store.ActiveClients())))
	}

	return sess, sessionPresent
}

// Resume flushes queued and in-flight messages to a freshly attached
// persistent session. Call after the CONNACK is on the wire.
func (b *Broker) Resume(sess *Session) {
	b.engine.ResumeSession(sess)
}

// HandleSubscribe admits each filter of a SUBSCRIBE, updates the topic
// index and the session's bookkeeping, and builds the SUBACK. Invalid
// filters answer 0x80 without affecting their neighbours. Retained
// replay happens separately, after the SUBACK is written.
func (b *Broker) HandleSubscribe(sess *Session, sp *packet.SubscribePacket) *packet.SubackPacket {
	returnCodes := make([]byte, len(sp.Filters))

	for i, filter := range sp.Filters {
		if filter.QoS > packet.QoSExactlyOnce {
			returnCodes[i] = packet.SubackFailure
			continue
		}
		if err := b.topics.Add(sess.ClientID, filter.Topic, filter.QoS); err != nil {
			b.log.LogSubscription(sess.ClientID, filter.Topic, int(filter.QoS), "rejected")
			returnCodes[i] = packet.SubackFailure
			continue
		}

		sess.SetSubscription(filter.Topic, filter.QoS)
		returnCodes[i] = packet.SubackCode(filter.QoS)
		b.log.LogSubscription(sess.ClientID, filter.Topic, int(filter.QoS), "subscribe")
	}

	return &packet.SubackPacket{
		PacketID:    sp.PacketID,
		ReturnCodes: returnCodes,
	}
}

// DeliverRetained replays retained messages for every filter the
// SUBACK admitted.
func (b *Broker) DeliverRetained(sess *Session, sp *packet.SubscribePacket, suback *packet.SubackPacket) {
	for i, filter := range sp.Filters {
		if suback.ReturnCodes[i] == packet.SubackFailure {
			continue
		}
		b.router.DeliverRetained(sess.ClientID, filter.Topic, packet.QoSLevel(suback.ReturnCodes[i]))
	}
}

// HandleUnsubscribe removes each filter from the index and the session
// and builds the UNSUBACK.
func (b *Broker) HandleUnsubscribe(sess *Session, up *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, filter := range up.TopicFilters {
		b.topics.Remove(sess.ClientID, filter)
		sess.RemoveSubscription(filter)
		b.log.LogSubscription(sess.ClientID, filter, 0, "unsubscribe")
	}
	return packet.NewUnsubAck(up)
}

// HandlePublish runs the inbound QoS handshake and, unless the message
// is a suppressed QoS 2 duplicate, fans it out. Returns the
// acknowledgement bytes owed to the publisher, if any.
func (b *Broker) HandlePublish(sess *Session, pub *packet.PublishPacket) []byte {
	deliver, response := b.engine.HandleInboundPublish(sess, pub)
	if deliver {
		b.router.Route(pub)
		if pub.Retain {
			if m := b.opts.Metrics; m != nil {
				m.RetainedTopics.Set(float64(b.topics.RetainedCount()))
			}
		}
	}
	return response
}

// HandleAck dispatches an acknowledgement packet from the client into
// the outbound state machines. PUBREL answers with the PUBCOMP bytes.
func (b *Broker) HandleAck(sess *Session, ack *packet.AckPacket) []byte {
	switch ack.Type {
	case packet.PUBACK:
		b.engine.HandlePubAck(sess, ack.PacketID)
	case packet.PUBREC:
		b.engine.HandlePubRec(sess, ack.PacketID)
	case packet.PUBREL:
		return b.engine.HandlePubRel(sess, ack.PacketID)
	case packet.PUBCOMP:
		b.engine.HandlePubComp(sess, ack.PacketID)
	}
	return nil
}

// Disconnect finishes an attachment bound to conn. Abnormal
// termination publishes the will (after its delay, unless the client
// beats the timer back); a clean session evaporates, a persistent one
// is detached and saved. When the session was already taken over by a
// newer attachment the call is a no-op: the new owner runs the
// lifecycle now.
func (b *Broker) Disconnect(sess *Session, conn io.Writer, abnormal bool) {
	if !sess.CloseAttachmentIf(conn) {
		return
	}

	if abnormal {
		if will := sess.Will(); will != nil {
			b.scheduleWill(sess.ClientID, will)
		}
	} else {
		sess.ClearWill()
	}

	if sess.CleanSession {
		b.store.Remove(sess.ClientID)
		b.topics.RemoveAll(sess.ClientID)
		b.engine.CleanupSession(sess)
	} else {
		if err := b.store.Save(sess); err != nil {
			b.log.LogError(err, "session save failed", slog.String("client_id", sess.ClientID))
		}
	}

	if m := b.opts.Metrics; m != nil {
		m.ActiveClients.Set(float64(len(b.store.ActiveClients())))
	}

	b.log.LogClientConnection(sess.ClientID, "", "disconnect",
		slog.Bool("abnormal", abnormal), slog.Bool("clean_session", sess.CleanSession))
}

func (b *Broker) scheduleWill(clientID string, will *WillMessage) {
	if will.DelaySeconds == 0 {
		b.router.PublishWill(will)
		return
	}

	b.willMu.Lock()
	defer b.willMu.Unlock()

	if timer, ok := b.willTimers[clientID]; ok {
		timer.Stop()
	}
	b.willTimers[clientID] = time.AfterFunc(time.Duration(will.DelaySeconds)*time.Second, func() {
		b.willMu.Lock()
		delete(b.willTimers, clientID)
		b.willMu.Unlock()

		// The will is void if the client made it back in time.
		if sess, ok := b.store.Get(clientID); ok && sess.Connected() {
			return
		}
		b.router.PublishWill(will)
	})
}

// cancelWill stops a delayed will still pending for a reconnecting
// client.
func (b *Broker) cancelWill(clientID string) {
	b.willMu.Lock()
	defer b.willMu.Unlock()
	if timer, ok := b.willTimers[clientID]; ok {
		timer.Stop()
		delete(b.willTimers, clientID)
	}
}

// Observable state.

// ActiveClients returns the ids of clients with a live attachment.
func (b *Broker) ActiveClients() []string {
	return b.store.ActiveClients()
}

// PendingCount reports a session's outbound queue depth.
func (b *Broker) PendingCount(clientID string) int {
	sess, ok := b.store.Get(clientID)
	if !ok {
		return 0
	}
	return sess.PendingCount()
}

// RetainedCount reports the number of retained topics.
func (b *Broker) RetainedCount() int {
	return b.topics.RetainedCount()
}

// Session looks up a session by client id.
func (b *Broker) Session(clientID string) (*Session, bool) {
	return b.store.Get(clientID)
}

// Topics exposes the topic index to the supervisor.
func (b *Broker) Topics() *TopicIndex {
	return b.topics
}
