package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// TCPTransportConfig configures the default transport.
type TCPTransportConfig struct {
	// Local is advertised to every peer during the handshake.
	Local            HandshakeInfo
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Dial             DialFunc
	Logger           *slog.Logger
	Now              func() time.Time
}

// TCPTransport carries newline-delimited JSON frames over TCP.
type TCPTransport struct {
	cfg     TCPTransportConfig
	nonces  *nonceGuard
	logger  *slog.Logger
	metrics *networkMetrics

	mu    sync.RWMutex
	local HandshakeInfo
}

// NewTCPTransport returns a transport advertising cfg.Local.
func NewTCPTransport(cfg TCPTransportConfig) *TCPTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeLimit
	}
	if cfg.Dial == nil {
		dialer := net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = dialer.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TCPTransport{
		cfg:     cfg,
		nonces:  newNonceGuard(0),
		local:   cfg.Local,
		logger:  cfg.Logger.With(slog.String("component", "transport")),
		metrics: newNetworkMetrics(),
	}
}

// SetLocalHeight refreshes the chain height advertised in future handshakes.
func (t *TCPTransport) SetLocalHeight(height uint64, totalWork string) {
	t.mu.Lock()
	t.local.Height = height
	t.local.TotalWork = totalWork
	t.mu.Unlock()
}

// SetListenPort sets the P2P port advertised in future handshakes.
func (t *TCPTransport) SetListenPort(port uint16) {
	t.mu.Lock()
	t.local.P2PPort = port
	t.mu.Unlock()
}

func (t *TCPTransport) localInfo() HandshakeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// Connect dials addr and completes the handshake. Timeouts surface as errors
// and are handled like any other connection failure.
func (t *TCPTransport) Connect(ctx context.Context, addr string) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	raw, err := t.cfg.Dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn, err := t.upgrade(ctx, raw, addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Accept handshakes an inbound socket.
func (t *TCPTransport) Accept(ctx context.Context, raw net.Conn) (Connection, error) {
	conn, err := t.upgrade(ctx, raw, raw.RemoteAddr().String())
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (t *TCPTransport) upgrade(ctx context.Context, raw net.Conn, addr string) (*tcpConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	reader := bufio.NewReaderSize(raw, maxFrameBytes)
	remote, err := performHandshake(hsCtx, raw, reader, t.localInfo(), t.nonces, t.cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return &tcpConn{conn: raw, reader: reader, info: remote, addr: addr}, nil
}

// Send writes one frame to conn.
func (t *TCPTransport) Send(ctx context.Context, conn Connection, msg Message) error {
	tc, ok := conn.(*tcpConn)
	if !ok {
		return fmt.Errorf("send: foreign connection type %T", conn)
	}
	if err := tc.write(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msgTypeLabel(msg.Type), tc.addr, err)
	}
	t.metrics.recordMessage("outbound", msg.Type)
	return nil
}

// Serve accepts inbound sockets until ctx ends, passing each handshaken
// connection to handle on its own goroutine.
func (t *TCPTransport) Serve(ctx context.Context, ln net.Listener, handle func(Connection)) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			t.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		go func() {
			conn, err := t.Accept(ctx, raw)
			if err != nil {
				t.logger.Debug("inbound handshake failed", slog.Any("error", err))
				return
			}
			handle(conn)
		}()
	}
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	info   HandshakeInfo
	addr   string

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func (c *tcpConn) Handshake() HandshakeInfo { return c.info }

func (c *tcpConn) RemoteAddr() string { return c.addr }

func (c *tcpConn) Close() error { return c.conn.Close() }

func (c *tcpConn) write(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(ctx, c.conn, msg)
}

// Receive blocks for the next frame.
func (c *tcpConn) Receive(ctx context.Context) (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	payload, err := readFrame(ctx, c.conn, c.reader)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %v: %w", err, ErrInvalidPayload)
	}
	return msg, nil
}
