package broker

import (
	"log/slog"
	"sort"
	"time"

	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/pkg/er"
)

// InflightState tracks an outbound delivery through its handshake.
// Transitions only move forward; anything else is rejected at the
// boundary and ignored.
type InflightState int

const (
	StatePending InflightState = iota
	StatePubrecReceived
	StatePubrelSent
	StateCompleted
	StateExpired
)

func (s InflightState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePubrecReceived:
		return "pubrec_received"
	case StatePubrelSent:
		return "pubrel_sent"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Inflight is one outbound PUBLISH at QoS 1 or 2 whose handshake has
// not completed. Entries queued behind a saturated window carry
// PacketID 0 until promoted.
type Inflight struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        packet.QoSLevel // effective QoS after downgrade
	Retain     bool
	State      InflightState
	RetryCount int
	LastSentAt time.Time
	SentOnce   bool // at least one transmission attempt happened
}

// DeliveryEvent surfaces a delivery that gave up: retries exhausted or
// no free packet id.
type DeliveryEvent struct {
	ClientID string
	PacketID uint16
	Topic    string
	Err      error
}

// QoSEngine drives the QoS 1 and QoS 2 state machines for every
// session, in both directions, including retransmission.
type QoSEngine struct {
	store         *SessionStore
	retryInterval time.Duration
	maxRetries    int
	maxInflight   int // 0 = unbounded window
	log           *logger.Logger
	onExpired     func(DeliveryEvent)

	ticker *time.Ticker
	stopCh chan struct{}
}

type QoSEngineOptions struct {
	RetryInterval time.Duration
	MaxRetries    int
	MaxInflight   int
	SweepInterval time.Duration
	OnExpired     func(DeliveryEvent)
}

func NewQoSEngine(store *SessionStore, opts QoSEngineOptions) *QoSEngine {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}

	q := &QoSEngine{
		store:         store,
		retryInterval: opts.RetryInterval,
		maxRetries:    opts.MaxRetries,
		maxInflight:   opts.MaxInflight,
		log:           logger.NewComponentLogger("qos"),
		onExpired:     opts.OnExpired,
		ticker:        time.NewTicker(opts.SweepInterval),
		stopCh:        make(chan struct{}),
	}

	go q.retryLoop()

	return q
}

// Stop shuts down the retransmission sweeper.
func (q *QoSEngine) Stop() {
	close(q.stopCh)
	q.ticker.Stop()
}

// Deliver hands one message to a subscriber's outbound queue at its
// effective QoS. QoS 0 goes straight to the wire, fire and forget;
// QoS 1/2 enter the in-flight table and, when the client is offline but
// persistent, wait there for the next attachment.
func (q *QoSEngine) Deliver(sess *Session, topic string, payload []byte, qos packet.QoSLevel, retain bool) error {
	sess.mu.Lock()

	if qos == packet.QoSAtMostOnce {
		defer sess.mu.Unlock()
		if sess.conn == nil {
			// No session queue entry for QoS 0; an offline subscriber
			// simply misses the message.
			return nil
		}
		pub := &packet.PublishPacket{
			Topic:   topic,
			Payload: payload,
			QoS:     packet.QoSAtMostOnce,
			Retain:  retain,
		}
		return sess.write(pub.Encode())
	}

	msg := &Inflight{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		State:   StatePending,
	}

	if q.maxInflight > 0 && len(sess.outbound) >= q.maxInflight {
		sess.backlog = append(sess.backlog, msg)
		sess.mu.Unlock()
		return nil
	}

	packetID, err := sess.allocatePacketID()
	if err != nil {
		sess.mu.Unlock()
		q.expire(DeliveryEvent{ClientID: sess.ClientID, Topic: topic, Err: er.ErrNoFreePacketID})
		return err
	}

	msg.PacketID = packetID
	sess.outbound[packetID] = msg

	if sess.conn != nil {
		q.transmitLocked(sess, msg, false)
	}
	sess.mu.Unlock()
	return nil
}

// transmitLocked writes the PUBLISH for an in-flight entry. Caller
// holds the session lock.
func (q *QoSEngine) transmitLocked(sess *Session, msg *Inflight, dup bool) {
	pub := &packet.PublishPacket{
		DUP:      dup,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		Topic:    msg.Topic,
		PacketID: &msg.PacketID,
		Payload:  msg.Payload,
	}
	if err := sess.write(pub.Encode()); err != nil {
		q.log.Warn("publish write failed",
			slog.String("client_id", sess.ClientID),
			slog.Int("packet_id", int(msg.PacketID)),
			slog.String("error", err.Error()))
		return
	}
	msg.SentOnce = true
	msg.LastSentAt = time.Now()
}

// HandlePubAck completes a QoS 1 delivery. Duplicate or unknown acks
// are ignored.
func (q *QoSEngine) HandlePubAck(sess *Session, packetID uint16) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msg, ok := sess.outbound[packetID]
	if !ok || msg.QoS != packet.QoSAtLeastOnce {
		return
	}

	msg.State = StateCompleted
	delete(sess.outbound, packetID)
	q.promoteLocked(sess)

	q.log.LogQoSFlow(sess.ClientID, packetID, 1, "PUBACK_RECEIVED")
}

// HandlePubRec advances a QoS 2 delivery into its release phase and
// answers with PUBREL on the same packet id. A duplicate PUBREC only
// re-triggers the PUBREL.
func (q *QoSEngine) HandlePubRec(sess *Session, packetID uint16) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msg, ok := sess.outbound[packetID]
	if !ok || msg.QoS != packet.QoSExactlyOnce {
		return
	}

	switch msg.State {
	case StatePending:
		msg.State = StatePubrecReceived
		if err := sess.write(packet.NewPubRel(packetID)); err == nil {
			msg.State = StatePubrelSent
			msg.RetryCount = 0
			msg.LastSentAt = time.Now()
		}
	case StatePubrelSent:
		if err := sess.write(packet.NewPubRel(packetID)); err == nil {
			msg.LastSentAt = time.Now()
		}
	default:
		// Backward transitions are rejected.
		return
	}

	q.log.LogQoSFlow(sess.ClientID, packetID, 2, "PUBREC_RECEIVED")
}

// HandlePubComp completes a QoS 2 delivery after PUBREL was sent.
func (q *QoSEngine) HandlePubComp(sess *Session, packetID uint16) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msg, ok := sess.outbound[packetID]
	if !ok || msg.QoS != packet.QoSExactlyOnce || msg.State != StatePubrelSent {
		return
	}

	msg.State = StateCompleted
	delete(sess.outbound, packetID)
	q.promoteLocked(sess)

	q.log.LogQoSFlow(sess.ClientID, packetID, 2, "PUBCOMP_RECEIVED")
}

// HandleInboundPublish runs the receive-side handshake for a PUBLISH
// from the client. It reports whether the message should be routed (a
// duplicate QoS 2 publish is suppressed) and the acknowledgement bytes
// to send back, if any.
func (q *QoSEngine) HandleInboundPublish(sess *Session, pub *packet.PublishPacket) (deliver bool, response []byte) {
	switch pub.QoS {
	case packet.QoSAtMostOnce:
		return true, nil

	case packet.QoSAtLeastOnce:
		return true, packet.NewPubAck(*pub.PacketID)

	case packet.QoSExactlyOnce:
		sess.mu.Lock()
		defer sess.mu.Unlock()

		packetID := *pub.PacketID
		if _, seen := sess.inboundQoS2[packetID]; seen {
			// Re-delivery suppressed; the PUBREC answer is idempotent.
			return false, packet.NewPubRec(packetID)
		}
		sess.inboundQoS2[packetID] = struct{}{}
		return true, packet.NewPubRec(packetID)
	}

	return false, nil
}

// HandlePubRel releases an inbound QoS 2 packet id. Unknown ids still
// get a PUBCOMP.
func (q *QoSEngine) HandlePubRel(sess *Session, packetID uint16) []byte {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	delete(sess.inboundQoS2, packetID)
	return packet.NewPubComp(packetID)
}

// ResumeSession flushes the outbound table to a freshly attached
// client. Entries transmitted before carry DUP=1; entries queued while
// the client was away go out fresh with DUP=0. Order is packet-id order.
func (q *QoSEngine) ResumeSession(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.conn == nil {
		return
	}

	ids := make([]uint16, 0, len(sess.outbound))
	for packetID := range sess.outbound {
		ids = append(ids, packetID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, packetID := range ids {
		msg := sess.outbound[packetID]
		switch msg.State {
		case StatePending:
			q.transmitLocked(sess, msg, msg.SentOnce)
		case StatePubrelSent:
			if err := sess.write(packet.NewPubRel(packetID)); err == nil {
				msg.LastSentAt = time.Now()
			}
		}
	}

	q.promoteLocked(sess)
}

// promoteLocked moves backlog entries into the window while space
// remains. Caller holds the session lock.
func (q *QoSEngine) promoteLocked(sess *Session) {
	for len(sess.backlog) > 0 {
		if q.maxInflight > 0 && len(sess.outbound) >= q.maxInflight {
			return
		}

		msg := sess.backlog[0]

		packetID, err := sess.allocatePacketID()
		if err != nil {
			return
		}
		sess.backlog = sess.backlog[1:]

		msg.PacketID = packetID
		sess.outbound[packetID] = msg
		if sess.conn != nil {
			q.transmitLocked(sess, msg, msg.SentOnce)
		}
	}
}

// CleanupSession drops all in-flight state. Used when a clean session
// ends.
func (q *QoSEngine) CleanupSession(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.outbound = make(map[uint16]*Inflight)
	sess.backlog = nil
	sess.inboundQoS2 = make(map[uint16]struct{})
}

func (q *QoSEngine) retryLoop() {
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-q.ticker.C:
			q.sweep(now)
		}
	}
}

// sweep retransmits overdue in-flight entries and expires the ones out
// of retries. Backoff is linear: retry_interval * (retry_count + 1).
func (q *QoSEngine) sweep(now time.Time) {
	var expired []DeliveryEvent

	q.store.Range(func(sess *Session) bool {
		sess.mu.Lock()

		if sess.conn == nil {
			// Detached sessions keep their queue; retransmission
			// resumes with the next attachment.
			sess.mu.Unlock()
			return true
		}

		for packetID, msg := range sess.outbound {
			if msg.State != StatePending && msg.State != StatePubrelSent {
				continue
			}
			if !msg.SentOnce {
				q.transmitLocked(sess, msg, false)
				continue
			}

			deadline := msg.LastSentAt.Add(q.retryInterval * time.Duration(msg.RetryCount+1))
			if now.Before(deadline) {
				continue
			}

			if msg.RetryCount >= q.maxRetries {
				msg.State = StateExpired
				delete(sess.outbound, packetID)
				expired = append(expired, DeliveryEvent{
					ClientID: sess.ClientID,
					PacketID: packetID,
					Topic:    msg.Topic,
					Err:      er.ErrDeliveryExpired,
				})
				continue
			}

			msg.RetryCount++
			switch msg.State {
			case StatePending:
				q.transmitLocked(sess, msg, true)
			case StatePubrelSent:
				if err := sess.write(packet.NewPubRel(packetID)); err == nil {
					msg.LastSentAt = now
				}
			}
		}

		q.promoteLocked(sess)
		sess.mu.Unlock()
		return true
	})

	for _, event := range expired {
		q.expire(event)
	}
}

func (q *QoSEngine) expire(event DeliveryEvent) {
	q.log.Warn("delivery expired",
		slog.String("client_id", event.ClientID),
		slog.Int("packet_id", int(event.PacketID)),
		slog.String("topic", event.Topic))
	if q.onExpired != nil {
		q.onExpired(event)
	}
}
