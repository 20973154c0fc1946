package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/emberq/emberq/internal/auth"
	"github.com/emberq/emberq/internal/broker"
	"github.com/emberq/emberq/internal/logger"
	"github.com/emberq/emberq/internal/metrics"
	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

// TCPServer accepts client connections and runs one supervisor per
// attachment.
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	authStore          *auth.Store // nil = open broker
	metrics            *metrics.Metrics
	maxConnections     int
	isShuttingdown     atomic.Bool
	currentConnections atomic.Int32
	log                *logger.Logger
}

type Option func(*TCPServer)

// WithAuth enables username/password authentication.
func WithAuth(store *auth.Store) Option {
	return func(srv *TCPServer) { srv.authStore = store }
}

// WithMetrics wires traffic counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *TCPServer) { srv.metrics = m }
}

// WithMaxConnections caps simultaneous attachments.
func WithMaxConnections(n int) Option {
	return func(srv *TCPServer) {
		if n > 0 {
			srv.maxConnections = n
		}
	}
}

// New creates a new TCPServer instance
func New(addr string, b *broker.Broker, opts ...Option) *TCPServer {
	srv := &TCPServer{
		addr:           addr,
		broker:         b,
		maxConnections: 1000,
		log:            logger.NewComponentLogger("transport"),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.log.Info("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.HandleConnection(ctx, conn)
		}
	}
}

// checkServerAvailability reports why a new connection cannot be
// admitted, empty when it can.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	// The count already includes the connection being checked.
	if srv.currentConnections.Load() > int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

// readPacket reads one full MQTT packet: the fixed header byte, the
// variable-length remaining length, then the body.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 0, 4)
	remainingLength := 0
	multiplier := 1

	for {
		if len(remLenBuf) >= 4 {
			return nil, &er.Err{
				Context: "ReadPacket, Remaining Length",
				Message: er.ErrRemainingLengthExceeded,
			}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf = append(remLenBuf, b)
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	if remainingLength > utils.MaxRemainingLength {
		return nil, &er.Err{
			Context: "ReadPacket, Remaining Length",
			Message: er.ErrRemainingLengthExceeded,
		}
	}

	raw := make([]byte, 1+len(remLenBuf)+remainingLength)
	raw[0] = fixedHeaderByte
	copy(raw[1:], remLenBuf)

	if _, err := io.ReadFull(reader, raw[1+len(remLenBuf):]); err != nil {
		return nil, err
	}

	return raw, nil
}
