package transport

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberq/emberq/internal/broker"
	pkt "github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/pkg/er"
)

// errCleanDisconnect marks a DISCONNECT-initiated shutdown, the one
// termination that must not publish the will.
var errCleanDisconnect = errors.New("clean disconnect")

// HandleConnection owns one client attachment from CONNECT handshake to
// cleanup. Exported so tests can drive it over a pipe.
func (srv *TCPServer) HandleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
	}()
	srv.currentConnections.Add(1)

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.log.Warn("connection refused", slog.String("reason", reason))
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	reader := bufio.NewReader(conn)

	sess, ok := srv.handshake(conn, reader)
	if !ok {
		return
	}

	err := srv.run(ctx, conn, reader, sess)

	abnormal := !errors.Is(err, errCleanDisconnect)
	if abnormal && errors.Is(err, er.ErrKeepAliveExpired) {
		srv.log.LogClientConnection(sess.ClientID, conn.RemoteAddr().String(), "keepalive_expired")
	}
	srv.broker.Disconnect(sess, conn, abnormal)
}

// handshake reads the CONNECT packet, validates it, installs the
// session and answers CONNACK. A malformed packet or protocol
// violation closes the transport without CONNACK; rejections with a
// documented return code answer with one before closing.
func (srv *TCPServer) handshake(conn net.Conn, reader *bufio.Reader) (*broker.Session, bool) {
	remoteAddr := conn.RemoteAddr().String()

	raw, err := readPacket(reader)
	if err != nil {
		srv.log.LogError(err, "handshake read failed", slog.String("remote_addr", remoteAddr))
		return nil, false
	}
	srv.countInbound(len(raw))

	if pkt.Type(raw[0]) != pkt.CONNECT {
		srv.log.Warn("first packet was not CONNECT", slog.String("remote_addr", remoteAddr))
		return nil, false
	}

	parsed, err := pkt.Parse(raw)
	if err != nil {
		switch {
		case errors.Is(err, er.ErrIdentifierRejected),
			errors.Is(err, er.ErrInvalidCharsClientID),
			errors.Is(err, er.ErrClientIDLengthExceed):
			conn.Write(pkt.NewConnAck(false, pkt.IdentifierRejected))
		case errors.Is(err, er.ErrPasswordWithoutUsername),
			errors.Is(err, er.ErrMalformedUsernameField),
			errors.Is(err, er.ErrMalformedPasswordField):
			conn.Write(pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
		default:
			// Malformed packets and protocol name/level violations
			// close without CONNACK.
		}
		srv.log.LogError(err, "CONNECT rejected", slog.String("remote_addr", remoteAddr))
		return nil, false
	}

	cp := parsed.GetConnect()

	if srv.authStore != nil {
		if cp.Username == nil || cp.Password == nil {
			conn.Write(pkt.NewConnAck(false, pkt.NotAuthorized))
			return nil, false
		}
		if err := srv.authStore.Authenticate(*cp.Username, *cp.Password); err != nil {
			srv.log.LogAuth(cp.ClientID, *cp.Username, false, err.Error())
			conn.Write(pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return nil, false
		}
		srv.log.LogAuth(cp.ClientID, *cp.Username, true, "")
	}

	var will *broker.WillMessage
	if cp.WillFlag {
		will, err = broker.NewWillMessage(cp.WillTopic, cp.WillPayload, pkt.QoSLevel(cp.WillQoS), cp.WillRetain, 0)
		if err != nil {
			srv.log.LogError(err, "invalid will message", slog.String("remote_addr", remoteAddr))
			return nil, false
		}
	}

	sess, sessionPresent := srv.broker.Connect(cp.ClientID, cp.CleanSession, cp.KeepAlive, will, conn)

	if err := sess.Send(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted)); err != nil {
		srv.broker.Disconnect(sess, conn, true)
		return nil, false
	}
	srv.countOutbound(4)

	srv.log.LogClientConnection(cp.ClientID, remoteAddr, "connect",
		slog.Bool("clean_session", cp.CleanSession),
		slog.Bool("session_present", sessionPresent),
		slog.Int("keep_alive", int(cp.KeepAlive)))

	// Queued deliveries flush only after the CONNACK is on the wire.
	srv.broker.Resume(sess)

	return sess, true
}

// run drives the attachment's two cooperative tasks: the inbound
// reader and the keep-alive monitor. Whichever fails first cancels the
// shared context; cancellation closes the connection, which unblocks
// the reader.
func (srv *TCPServer) run(ctx context.Context, conn net.Conn, reader *bufio.Reader, sess *broker.Session) error {
	group, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	activity := make(chan struct{}, 1)

	group.Go(func() error {
		return srv.readLoop(reader, sess, activity)
	})
	group.Go(func() error {
		return srv.keepAliveLoop(ctx, sess, activity)
	})

	return group.Wait()
}

func (srv *TCPServer) readLoop(reader *bufio.Reader, sess *broker.Session, activity chan<- struct{}) error {
	for {
		raw, err := readPacket(reader)
		if err != nil {
			return &er.Err{Context: "Supervisor, Read", Message: er.ErrTransportClosed}
		}
		srv.countInbound(len(raw))

		sess.Touch()
		select {
		case activity <- struct{}{}:
		default:
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			// A packet that fails to decode never reaches shared
			// state; the attachment just ends.
			srv.log.LogError(err, "malformed packet", slog.String("client_id", sess.ClientID))
			return err
		}

		if err := srv.dispatch(sess, parsed); err != nil {
			return err
		}
	}
}

// dispatch routes one decoded packet to the broker core.
func (srv *TCPServer) dispatch(sess *broker.Session, parsed *pkt.ParsedPacket) error {
	switch parsed.Type {
	case pkt.PUBLISH:
		if response := srv.broker.HandlePublish(sess, parsed.Publish); response != nil {
			srv.send(sess, response)
		}

	case pkt.PUBACK, pkt.PUBREC, pkt.PUBREL, pkt.PUBCOMP:
		if response := srv.broker.HandleAck(sess, parsed.Ack); response != nil {
			srv.send(sess, response)
		}

	case pkt.SUBSCRIBE:
		suback := srv.broker.HandleSubscribe(sess, parsed.Subscribe)
		srv.send(sess, suback.Encode())
		// Retained replay follows the SUBACK.
		srv.broker.DeliverRetained(sess, parsed.Subscribe, suback)

	case pkt.UNSUBSCRIBE:
		unsuback := srv.broker.HandleUnsubscribe(sess, parsed.Unsubscribe)
		srv.send(sess, unsuback.Encode())

	case pkt.PINGREQ:
		srv.send(sess, pkt.NewPingresp().Encode())

	case pkt.DISCONNECT:
		return errCleanDisconnect

	case pkt.CONNECT:
		// A second CONNECT on a live attachment is a protocol violation.
		return &er.Err{Context: "Supervisor, Dispatch", Message: er.ErrProtocolViolation}

	default:
		return &er.Err{Context: "Supervisor, Dispatch", Message: er.ErrProtocolViolation}
	}

	return nil
}

// keepAliveLoop disconnects the client when no packet arrives within
// keep_alive_factor × keep_alive. A keep-alive of 0 disables the
// monitor.
func (srv *TCPServer) keepAliveLoop(ctx context.Context, sess *broker.Session, activity <-chan struct{}) error {
	keepAlive := sess.KeepAlive()
	if keepAlive == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	timeout := time.Duration(float64(keepAlive) * srv.broker.KeepAliveFactor() * float64(time.Second))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			return &er.Err{Context: "Supervisor, KeepAlive", Message: er.ErrKeepAliveExpired}
		}
	}
}

func (srv *TCPServer) send(sess *broker.Session, b []byte) {
	if err := sess.Send(b); err != nil {
		srv.log.LogError(err, "write failed", slog.String("client_id", sess.ClientID))
		return
	}
	srv.countOutbound(len(b))
}

func (srv *TCPServer) countInbound(n int) {
	if srv.metrics == nil {
		return
	}
	srv.metrics.PacketsReceived.Inc()
	srv.metrics.BytesReceived.Add(float64(n))
}

func (srv *TCPServer) countOutbound(n int) {
	if srv.metrics == nil {
		return
	}
	srv.metrics.PacketsSent.Inc()
	srv.metrics.BytesSent.Add(float64(n))
}
