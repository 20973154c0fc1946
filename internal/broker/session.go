package broker

import (
	"io"
	"sync"
	"time"

	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/persistence"
	"github.com/emberq/emberq/pkg/er"
)

// Session holds all per-client broker state: subscriptions for
// bookkeeping, the outbound in-flight table, the inbound QoS 2 set and
// the packet id allocator. The SessionStore is the sole owner; other
// components look sessions up by client id and never keep references
// across operations.
type Session struct {
	ClientID     string
	CleanSession bool

	mu            sync.Mutex
	conn          io.Writer // nil while detached
	keepAlive     uint16
	will          *WillMessage
	subscriptions map[string]packet.QoSLevel
	outbound      map[uint16]*Inflight
	backlog       []*Inflight // deliveries waiting for window space
	inboundQoS2   map[uint16]struct{}
	nextPacketID  uint16
	lastActive    time.Time
}

func newSession(clientID string, cleanSession bool) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		subscriptions: make(map[string]packet.QoSLevel),
		outbound:      make(map[uint16]*Inflight),
		inboundQoS2:   make(map[uint16]struct{}),
		nextPacketID:  1,
	}
}

// Attach binds a live transport writer to the session.
func (s *Session) Attach(conn io.Writer, keepAlive uint16, will *WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.keepAlive = keepAlive
	s.will = will
	s.lastActive = time.Now()
}

// Detach drops the transport writer, leaving the session state behind
// for a persistent client to resume.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
}

// CloseAttachment detaches and closes the transport if it supports
// closing. Used for takeover and teardown.
func (s *Session) CloseAttachment() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if closer, ok := conn.(io.Closer); ok {
		closer.Close()
	}
}

// CloseAttachmentIf detaches only when the session is still bound to
// the given transport. Reports false when another attachment already
// took the session over.
func (s *Session) CloseAttachmentIf(conn io.Writer) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.mu.Unlock()

	if closer, ok := conn.(io.Closer); ok {
		closer.Close()
	}
	return true
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Will returns the will registered at CONNECT, nil after a clean
// DISCONNECT cleared it.
func (s *Session) Will() *WillMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// ClearWill drops the will message; a clean DISCONNECT must not publish it.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = nil
}

func (s *Session) KeepAlive() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// Touch records inbound activity for liveness accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetSubscription records a filter grant, replacing the QoS of an
// existing subscription to the same filter.
func (s *Session) SetSubscription(filter string, qos packet.QoSLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscriptions returns a copy of the filter map.
func (s *Session) Subscriptions() map[string]packet.QoSLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make(map[string]packet.QoSLevel, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		subs[filter] = qos
	}
	return subs
}

// PendingCount reports the number of outbound in-flight entries plus
// deliveries queued behind the window.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound) + len(s.backlog)
}

// allocatePacketID returns the next free packet id in [1, 65535],
// skipping ids still present in the outbound table. Caller must hold s.mu.
func (s *Session) allocatePacketID() (uint16, error) {
	for range 65535 {
		id := s.nextPacketID

		s.nextPacketID++
		if s.nextPacketID == 0 { // skip 0 on wrap
			s.nextPacketID = 1
		}

		if _, inUse := s.outbound[id]; !inUse {
			return id, nil
		}
	}

	return 0, &er.Err{
		Context: "Session, AllocatePacketID",
		Message: er.ErrNoFreePacketID,
	}
}

// Send writes raw bytes to the attached transport, serialized with the
// QoS engine's own writes.
func (s *Session) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(b)
}

// write sends raw bytes to the attached transport. Caller must hold s.mu.
func (s *Session) write(b []byte) error {
	if s.conn == nil {
		return &er.Err{
			Context: "Session, Write",
			Message: er.ErrTransportClosed,
		}
	}
	_, err := s.conn.Write(b)
	return err
}

// SessionStore owns every session. Lookups by client id are the only
// way the Router and QoSEngine reach session state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	persist  persistence.Store
}

func NewSessionStore(persist persistence.Store) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		persist:  persist,
	}
}

// Connect installs or resumes the session for a connecting client per
// its clean session flag. Returns the session and whether prior state
// was resumed (the CONNACK session-present flag).
func (st *SessionStore) Connect(clientID string, cleanSession bool) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if cleanSession {
		// Prior state, including any persisted copy, is discarded.
		delete(st.sessions, clientID)
		if st.persist != nil {
			_ = st.persist.DeleteSession(clientID)
		}
		sess := newSession(clientID, true)
		st.sessions[clientID] = sess
		return sess, false
	}

	if sess, ok := st.sessions[clientID]; ok {
		sess.CleanSession = false
		return sess, true
	}

	if st.persist != nil {
		if snap, err := st.persist.LoadSession(clientID); err == nil && snap != nil {
			sess := sessionFromSnapshot(snap)
			st.sessions[clientID] = sess
			return sess, true
		}
	}

	sess := newSession(clientID, false)
	st.sessions[clientID] = sess
	return sess, false
}

// Get looks up a session by client id.
func (st *SessionStore) Get(clientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[clientID]
	return sess, ok
}

// Remove drops the session and returns it so the caller can walk its
// subscriptions out of the topic index.
func (st *SessionStore) Remove(clientID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sessions[clientID]
	delete(st.sessions, clientID)
	if st.persist != nil {
		_ = st.persist.DeleteSession(clientID)
	}
	return sess
}

// Save writes the session's durable state through the persistence
// backend, if one is configured.
func (st *SessionStore) Save(sess *Session) error {
	if st.persist == nil {
		return nil
	}
	return st.persist.SaveSession(sess.ClientID, sess.snapshot())
}

// Range calls f for each session until f returns false.
func (st *SessionStore) Range(f func(*Session) bool) {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.RUnlock()

	for _, sess := range sessions {
		if !f(sess) {
			return
		}
	}
}

// ActiveClients returns the client ids with a live attachment.
func (st *SessionStore) ActiveClients() []string {
	var ids []string
	st.Range(func(sess *Session) bool {
		if sess.Connected() {
			ids = append(ids, sess.ClientID)
		}
		return true
	})
	return ids
}

// Len reports the number of sessions, attached or not.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (s *Session) snapshot() *persistence.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &persistence.Snapshot{
		ClientID:      s.ClientID,
		Subscriptions: make(map[string]byte, len(s.subscriptions)),
		NextPacketID:  s.nextPacketID,
	}
	for filter, qos := range s.subscriptions {
		snap.Subscriptions[filter] = byte(qos)
	}
	for _, msg := range s.outbound {
		snap.Pending = append(snap.Pending, persistence.PendingMessage{
			PacketID: msg.PacketID,
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      byte(msg.QoS),
			Retain:   msg.Retain,
			Sent:     msg.SentOnce,
		})
	}
	for _, msg := range s.backlog {
		snap.Pending = append(snap.Pending, persistence.PendingMessage{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     byte(msg.QoS),
			Retain:  msg.Retain,
		})
	}
	return snap
}

func sessionFromSnapshot(snap *persistence.Snapshot) *Session {
	sess := newSession(snap.ClientID, false)
	if snap.NextPacketID != 0 {
		sess.nextPacketID = snap.NextPacketID
	}
	for filter, qos := range snap.Subscriptions {
		sess.subscriptions[filter] = packet.QoSLevel(qos)
	}
	for _, pending := range snap.Pending {
		msg := &Inflight{
			PacketID: pending.PacketID,
			Topic:    pending.Topic,
			Payload:  pending.Payload,
			QoS:      packet.QoSLevel(pending.QoS),
			Retain:   pending.Retain,
			State:    StatePending,
			SentOnce: pending.Sent,
		}
		if pending.PacketID == 0 {
			sess.backlog = append(sess.backlog, msg)
			continue
		}
		sess.outbound[pending.PacketID] = msg
	}
	return sess
}
