package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/persistence"
	"github.com/emberq/emberq/pkg/er"
)

func TestAllocatePacketIDMonotonic(t *testing.T) {
	sess := newSession("c1", true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for want := uint16(1); want <= 10; want++ {
		id, err := sess.allocatePacketID()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestAllocatePacketIDSkipsInUse(t *testing.T) {
	sess := newSession("c1", true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.outbound[1] = &Inflight{PacketID: 1}
	sess.outbound[2] = &Inflight{PacketID: 2}
	sess.outbound[4] = &Inflight{PacketID: 4}

	id, err := sess.allocatePacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id)

	sess.outbound[3] = &Inflight{PacketID: 3}
	id, err = sess.allocatePacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(5), id)
}

func TestAllocatePacketIDWrapsAndSkipsZero(t *testing.T) {
	sess := newSession("c1", true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.nextPacketID = 65535

	id, err := sess.allocatePacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), id)

	// Wrap: next allocation lands on 1, never 0
	id, err = sess.allocatePacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
}

func TestAllocatePacketIDExhaustion(t *testing.T) {
	sess := newSession("c1", true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for id := uint16(1); id != 0; id++ {
		sess.outbound[id] = &Inflight{PacketID: id}
	}

	_, err := sess.allocatePacketID()
	assert.ErrorIs(t, err, er.ErrNoFreePacketID)
}

func TestAllocatePacketIDFullCycle(t *testing.T) {
	sess := newSession("c1", true)

	// Allocate all 65535 ids, ack all, next allocation succeeds.
	sess.mu.Lock()
	seen := make(map[uint16]bool, 65535)
	for range 65535 {
		id, err := sess.allocatePacketID()
		require.NoError(t, err)
		require.False(t, seen[id], "allocator returned %d twice", id)
		require.NotZero(t, id)
		seen[id] = true
		sess.outbound[id] = &Inflight{PacketID: id}
	}
	sess.outbound = make(map[uint16]*Inflight)
	id, err := sess.allocatePacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	sess.mu.Unlock()
}

func TestStoreConnectCleanSessionDiscardsState(t *testing.T) {
	store := NewSessionStore(nil)

	first, present := store.Connect("c1", false)
	assert.False(t, present)
	first.SetSubscription("a/b", packet.QoSAtLeastOnce)
	first.mu.Lock()
	first.outbound[1] = &Inflight{PacketID: 1, Topic: "a/b"}
	first.mu.Unlock()

	fresh, present := store.Connect("c1", true)
	assert.False(t, present)
	assert.NotSame(t, first, fresh)
	assert.Empty(t, fresh.Subscriptions())
	assert.Zero(t, fresh.PendingCount())
}

func TestStoreConnectPersistentResume(t *testing.T) {
	store := NewSessionStore(nil)

	first, present := store.Connect("c1", false)
	assert.False(t, present)
	first.SetSubscription("work/#", packet.QoSAtLeastOnce)

	resumed, present := store.Connect("c1", false)
	assert.True(t, present)
	assert.Same(t, first, resumed)
	assert.Contains(t, resumed.Subscriptions(), "work/#")
}

func TestStoreRemove(t *testing.T) {
	store := NewSessionStore(nil)
	store.Connect("c1", false)

	removed := store.Remove("c1")
	require.NotNil(t, removed)
	_, ok := store.Get("c1")
	assert.False(t, ok)

	assert.Nil(t, store.Remove("missing"))
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	persist := persistence.NewMemoryStore()
	store := NewSessionStore(persist)

	sess, _ := store.Connect("c1", false)
	sess.SetSubscription("work/#", packet.QoSAtLeastOnce)
	sess.mu.Lock()
	sess.outbound[3] = &Inflight{
		PacketID: 3,
		Topic:    "work/a",
		Payload:  []byte("x"),
		QoS:      packet.QoSAtLeastOnce,
		State:    StatePending,
		SentOnce: true,
	}
	sess.nextPacketID = 4
	sess.mu.Unlock()
	require.NoError(t, store.Save(sess))

	// Simulate a broker restart: a fresh in-memory store over the same
	// persistence backend.
	reborn := NewSessionStore(persist)
	resumed, present := reborn.Connect("c1", false)
	assert.True(t, present)
	assert.Contains(t, resumed.Subscriptions(), "work/#")
	assert.Equal(t, 1, resumed.PendingCount())

	resumed.mu.Lock()
	msg := resumed.outbound[3]
	resumed.mu.Unlock()
	require.NotNil(t, msg)
	assert.Equal(t, "work/a", msg.Topic)
	assert.True(t, msg.SentOnce)
}

func TestStoreConnectCleanSessionDropsPersisted(t *testing.T) {
	persist := persistence.NewMemoryStore()
	store := NewSessionStore(persist)

	sess, _ := store.Connect("c1", false)
	sess.SetSubscription("work/#", packet.QoSAtLeastOnce)
	require.NoError(t, store.Save(sess))

	reborn := NewSessionStore(persist)
	fresh, present := reborn.Connect("c1", true)
	assert.False(t, present)
	assert.Empty(t, fresh.Subscriptions())

	// The persisted copy is gone too
	snap, err := persist.LoadSession("c1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSessionWillLifecycle(t *testing.T) {
	sess := newSession("c1", true)
	will, err := NewWillMessage("c/down", []byte("bye"), packet.QoSAtLeastOnce, false, 0)
	require.NoError(t, err)

	sess.Attach(nil, 30, will)
	assert.Equal(t, will, sess.Will())

	sess.ClearWill()
	assert.Nil(t, sess.Will())
}

func TestNewWillMessageValidation(t *testing.T) {
	_, err := NewWillMessage("", nil, packet.QoSAtMostOnce, false, 0)
	assert.ErrorIs(t, err, er.ErrInvalidWillTopic)

	_, err = NewWillMessage("a/+", nil, packet.QoSAtMostOnce, false, 0)
	assert.ErrorIs(t, err, er.ErrInvalidWillTopic)

	_, err = NewWillMessage("a/b", nil, packet.QoSLevel(3), false, 0)
	assert.ErrorIs(t, err, er.ErrInvalidQoSLevel)

	_, err = NewWillMessage("a/b", nil, packet.QoSAtMostOnce, false, -1)
	assert.ErrorIs(t, err, er.ErrNegativeWillDelay)

	will, err := NewWillMessage("a/b", []byte("x"), packet.QoSExactlyOnce, true, 30)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), will.DelaySeconds)
}
