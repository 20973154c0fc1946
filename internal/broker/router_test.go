package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/persistence"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.Persistence == nil {
		opts.Persistence = persistence.NewMemoryStore()
	}
	b := New(opts)
	t.Cleanup(b.Stop)
	return b
}

// connect attaches a client and returns its session and capture conn.
func connect(b *Broker, clientID string, cleanSession bool, will *WillMessage) (*Session, *captureConn) {
	conn := &captureConn{}
	sess, _ := b.Connect(clientID, cleanSession, 0, will, conn)
	return sess, conn
}

func subscribe(t *testing.T, b *Broker, sess *Session, filter string, qos packet.QoSLevel) {
	t.Helper()
	sp := &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: filter, QoS: qos}},
	}
	suback := b.HandleSubscribe(sess, sp)
	require.NotEqual(t, packet.SubackFailure, suback.ReturnCodes[0])
	b.DeliverRetained(sess, sp, suback)
}

func TestQoSDowngradeOnDelivery(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "sensors/#", packet.QoSAtLeastOnce)

	packetID := uint16(10)
	response := b.HandlePublish(pub, &packet.PublishPacket{
		Topic:    "sensors/temp",
		Payload:  []byte("23"),
		QoS:      packet.QoSExactlyOnce,
		PacketID: &packetID,
	})
	assert.Equal(t, packet.NewPubRec(10), response)

	pubs := subConn.Publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, packet.QoSAtLeastOnce, pubs[0].QoS)
	require.NotNil(t, pubs[0].PacketID)
	assert.Equal(t, []byte("23"), pubs[0].Payload)

	b.HandleAck(sub, &packet.AckPacket{Type: packet.PUBACK, PacketID: *pubs[0].PacketID})
	assert.Zero(t, b.PendingCount("s1"))
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	b := newTestBroker(t, Options{})
	pub, _ := connect(b, "p1", true, nil)

	packetID := uint16(1)
	response := b.HandlePublish(pub, &packet.PublishPacket{
		Topic:    "status",
		Payload:  []byte("on"),
		QoS:      packet.QoSAtLeastOnce,
		Retain:   true,
		PacketID: &packetID,
	})
	assert.Equal(t, packet.NewPubAck(1), response)
	assert.Equal(t, 1, b.RetainedCount())

	sub, subConn := connect(b, "s1", true, nil)
	subscribe(t, b, sub, "status", packet.QoSExactlyOnce)

	pubs := subConn.Publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "status", pubs[0].Topic)
	assert.Equal(t, []byte("on"), pubs[0].Payload)
	// min(retained qos 1, granted qos 2) = 1, RETAIN stays set
	assert.Equal(t, packet.QoSAtLeastOnce, pubs[0].QoS)
	assert.True(t, pubs[0].Retain)
}

func TestRetainedClear(t *testing.T) {
	b := newTestBroker(t, Options{})
	pub, _ := connect(b, "p1", true, nil)

	packetID := uint16(1)
	b.HandlePublish(pub, &packet.PublishPacket{
		Topic: "status", Payload: []byte("on"), QoS: packet.QoSAtLeastOnce,
		Retain: true, PacketID: &packetID,
	})

	// Retained publish with empty payload deletes the entry
	b.HandlePublish(pub, &packet.PublishPacket{
		Topic: "status", Retain: true,
	})
	assert.Zero(t, b.RetainedCount())

	sub, subConn := connect(b, "s2", true, nil)
	subscribe(t, b, sub, "status", packet.QoSExactlyOnce)
	assert.Empty(t, subConn.Publishes())
}

func TestLiveRoutingStripsRetainFlag(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "status", packet.QoSAtMostOnce)

	b.HandlePublish(pub, &packet.PublishPacket{
		Topic: "status", Payload: []byte("on"), Retain: true,
	})

	pubs := subConn.Publishes()
	require.Len(t, pubs, 1)
	// Live fan-out of a retained publish goes out with RETAIN=0; only
	// replay to a fresh subscription keeps it set.
	assert.False(t, pubs[0].Retain)
}

func TestNoDuplicateRoutingAcrossOverlappingFilters(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "t1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "a/+", packet.QoSAtMostOnce)
	subscribe(t, b, sub, "a/b", packet.QoSExactlyOnce)

	packetID := uint16(2)
	b.HandlePublish(pub, &packet.PublishPacket{
		Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSExactlyOnce, PacketID: &packetID,
	})

	pubs := subConn.Publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, packet.QoSExactlyOnce, pubs[0].QoS)
}

func TestSelfDelivery(t *testing.T) {
	b := newTestBroker(t, Options{})
	sess, conn := connect(b, "c1", true, nil)

	subscribe(t, b, sess, "loop", packet.QoSAtMostOnce)
	b.HandlePublish(sess, &packet.PublishPacket{Topic: "loop", Payload: []byte("x")})

	require.Len(t, conn.Publishes(), 1)
}

func TestOrderingPerPublisher(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "seq", packet.QoSAtLeastOnce)

	for i := range 20 {
		packetID := uint16(i + 1)
		b.HandlePublish(pub, &packet.PublishPacket{
			Topic:    "seq",
			Payload:  []byte(fmt.Sprintf("%d", i)),
			QoS:      packet.QoSAtLeastOnce,
			PacketID: &packetID,
		})
	}

	pubs := subConn.Publishes()
	require.Len(t, pubs, 20)
	for i, p := range pubs {
		assert.Equal(t, fmt.Sprintf("%d", i), string(p.Payload))
	}
}

func TestInboundQoS2DuplicateRoutedOnce(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "a", packet.QoSAtMostOnce)

	packetID := uint16(77)
	msg := &packet.PublishPacket{
		Topic: "a", Payload: []byte("x"), QoS: packet.QoSExactlyOnce, PacketID: &packetID,
	}

	response := b.HandlePublish(pub, msg)
	assert.Equal(t, packet.NewPubRec(77), response)
	// Retransmitted before PUBREL: suppressed but still answered
	response = b.HandlePublish(pub, msg)
	assert.Equal(t, packet.NewPubRec(77), response)

	require.Len(t, subConn.Publishes(), 1)

	response = b.HandleAck(pub, &packet.AckPacket{Type: packet.PUBREL, PacketID: 77})
	assert.Equal(t, packet.NewPubComp(77), response)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	pub, _ := connect(b, "p1", true, nil)

	subscribe(t, b, sub, "a/b", packet.QoSAtMostOnce)

	unsuback := b.HandleUnsubscribe(sub, &packet.UnsubscribePacket{
		PacketID:     3,
		TopicFilters: []string{"a/b"},
	})
	assert.Equal(t, uint16(3), unsuback.PacketID)
	assert.NotContains(t, sub.Subscriptions(), "a/b")

	b.HandlePublish(pub, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x")})
	assert.Empty(t, subConn.Publishes())
}

func TestSubscribeInvalidFilterAnswers0x80OthersProceed(t *testing.T) {
	b := newTestBroker(t, Options{})
	sess, _ := connect(b, "s1", true, nil)

	sp := &packet.SubscribePacket{
		PacketID: 5,
		Filters: []packet.SubscribeFilter{
			{Topic: "a//b", QoS: packet.QoSAtLeastOnce},
			{Topic: "ok/+", QoS: packet.QoSAtLeastOnce},
		},
	}
	suback := b.HandleSubscribe(sess, sp)
	assert.Equal(t, []byte{packet.SubackFailure, packet.SubackMaxQoS1}, suback.ReturnCodes)
	assert.NotContains(t, sess.Subscriptions(), "a//b")
	assert.Contains(t, sess.Subscriptions(), "ok/+")
}

func TestWillPublishedOnAbnormalDisconnect(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	subscribe(t, b, sub, "c/down", packet.QoSAtLeastOnce)

	will, err := NewWillMessage("c/down", []byte("bye"), packet.QoSAtLeastOnce, false, 0)
	require.NoError(t, err)
	sess, conn := connect(b, "c1", true, will)

	b.Disconnect(sess, conn, true)

	pubs := subConn.Publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "c/down", pubs[0].Topic)
	assert.Equal(t, []byte("bye"), pubs[0].Payload)
	assert.Equal(t, packet.QoSAtLeastOnce, pubs[0].QoS)
}

func TestWillSuppressedOnCleanDisconnect(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	subscribe(t, b, sub, "c/down", packet.QoSAtMostOnce)

	will, err := NewWillMessage("c/down", []byte("bye"), packet.QoSAtMostOnce, false, 0)
	require.NoError(t, err)
	sess, conn := connect(b, "c1", true, will)

	b.Disconnect(sess, conn, false)
	assert.Empty(t, subConn.Publishes())
}

func TestDelayedWillCancelledByReconnect(t *testing.T) {
	b := newTestBroker(t, Options{})
	sub, subConn := connect(b, "s1", true, nil)
	subscribe(t, b, sub, "c/down", packet.QoSAtMostOnce)

	will, err := NewWillMessage("c/down", []byte("bye"), packet.QoSAtMostOnce, false, 60)
	require.NoError(t, err)
	sess, conn := connect(b, "c1", false, will)

	b.Disconnect(sess, conn, true)
	assert.Empty(t, subConn.Publishes())

	// Client returns before the delay elapses; the will dies with the timer
	connect(b, "c1", false, nil)
	b.willMu.Lock()
	_, pending := b.willTimers["c1"]
	b.willMu.Unlock()
	assert.False(t, pending)
	assert.Empty(t, subConn.Publishes())
}

func TestCleanSessionDisconnectRemovesState(t *testing.T) {
	b := newTestBroker(t, Options{})
	sess, conn := connect(b, "c1", true, nil)
	subscribe(t, b, sess, "a/b", packet.QoSAtMostOnce)

	b.Disconnect(sess, conn, false)

	_, ok := b.Session("c1")
	assert.False(t, ok)
	assert.Empty(t, b.Topics().Matches("a/b"))
	assert.True(t, conn.closed)
}

func TestPersistentSessionSurvivesDisconnect(t *testing.T) {
	b := newTestBroker(t, Options{})
	sess, conn := connect(b, "p1", false, nil)
	subscribe(t, b, sess, "work/#", packet.QoSAtLeastOnce)

	b.Disconnect(sess, conn, false)

	kept, ok := b.Session("p1")
	require.True(t, ok)
	assert.False(t, kept.Connected())
	assert.Len(t, b.Topics().Matches("work/a"), 1)
}

func TestPersistentResumeReceivesQueuedInOrder(t *testing.T) {
	b := newTestBroker(t, Options{})

	sess, conn := connect(b, "p1", false, nil)
	subscribe(t, b, sess, "work/#", packet.QoSAtLeastOnce)
	b.Disconnect(sess, conn, false)

	pub, _ := connect(b, "q1", true, nil)
	for i, topic := range []string{"work/a", "work/b", "work/c"} {
		packetID := uint16(i + 1)
		b.HandlePublish(pub, &packet.PublishPacket{
			Topic: topic, Payload: []byte{byte('1' + i)}, QoS: packet.QoSAtLeastOnce, PacketID: &packetID,
		})
	}
	assert.Equal(t, 3, b.PendingCount("p1"))

	reconn := &captureConn{}
	resumed, sessionPresent := b.Connect("p1", false, 0, nil, reconn)
	assert.True(t, sessionPresent)
	b.Resume(resumed)

	pubs := reconn.Publishes()
	require.Len(t, pubs, 3)
	assert.Equal(t, "work/a", pubs[0].Topic)
	assert.Equal(t, "work/b", pubs[1].Topic)
	assert.Equal(t, "work/c", pubs[2].Topic)
	for _, p := range pubs {
		assert.False(t, p.DUP)
	}
}

func TestSessionTakeoverClosesPriorAttachment(t *testing.T) {
	b := newTestBroker(t, Options{})
	_, first := connect(b, "c1", false, nil)

	sess, second := connect(b, "c1", false, nil)
	assert.True(t, first.closed)

	// The displaced attachment's teardown must not touch the new one
	b.Disconnect(sess, first, true)
	assert.False(t, second.closed)
	still, ok := b.Session("c1")
	require.True(t, ok)
	assert.True(t, still.Connected())
}

func TestObservableState(t *testing.T) {
	b := newTestBroker(t, Options{})
	connect(b, "c1", true, nil)
	sess, conn := connect(b, "c2", false, nil)

	assert.ElementsMatch(t, []string{"c1", "c2"}, b.ActiveClients())

	b.Disconnect(sess, conn, false)
	assert.ElementsMatch(t, []string{"c1"}, b.ActiveClients())
	assert.Zero(t, b.PendingCount("missing"))
}
