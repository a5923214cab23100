package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	protocolVersion       uint32 = 1
	defaultHandshakeLimit        = 10 * time.Second
	maxFrameBytes                = 1 << 20
)

type helloFrame struct {
	ProtocolVersion uint32        `json:"protoVersion"`
	Info            HandshakeInfo `json:"info"`
	Timestamp       int64         `json:"ts"`
	Nonce           string        `json:"nonce"`
}

// performHandshake exchanges hello frames. The local side always writes
// first; the measured RTT is the time until the remote hello arrives. A nil
// guard skips replay detection.
func performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, local HandshakeInfo, guard *nonceGuard, now func() time.Time) (HandshakeInfo, error) {
	started := now()
	if err := writeFrame(ctx, conn, helloFrame{
		ProtocolVersion: protocolVersion,
		Info:            local,
		Timestamp:       started.Unix(),
		Nonce:           uuid.NewString(),
	}); err != nil {
		return HandshakeInfo{}, fmt.Errorf("send handshake: %w", err)
	}
	payload, err := readFrame(ctx, conn, reader)
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return HandshakeInfo{}, fmt.Errorf("empty handshake from peer: %w", ErrInvalidPayload)
	}
	var remote helloFrame
	if err := json.Unmarshal(payload, &remote); err != nil {
		return HandshakeInfo{}, fmt.Errorf("decode handshake: %v: %w", err, ErrInvalidPayload)
	}
	if err := verifyHello(remote); err != nil {
		return HandshakeInfo{}, err
	}
	if guard != nil && !guard.Remember(remote.Info.NodeID, remote.Nonce, now()) {
		return HandshakeInfo{}, fmt.Errorf("replayed handshake nonce from %s: %w", remote.Info.NodeID, ErrInvalidPayload)
	}
	info := remote.Info
	info.RTT = now().Sub(started)
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if strings.TrimSpace(info.IP) == "" || IsUnspecifiedIP(info.IP) {
			info.IP = host
		}
		if info.P2PPort == 0 {
			if p, err := strconv.ParseUint(port, 10, 16); err == nil {
				info.P2PPort = uint16(p)
			}
		}
	}
	return info, nil
}

func verifyHello(hello helloFrame) error {
	if hello.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d: %w", hello.ProtocolVersion, ErrInvalidPayload)
	}
	if strings.TrimSpace(hello.Info.NodeID) == "" {
		return fmt.Errorf("handshake missing node id: %w", ErrInvalidPayload)
	}
	if hello.Info.PublicKey != "" {
		derived, err := DeriveNodeID(hello.Info.PublicKey)
		if err != nil {
			return fmt.Errorf("handshake public key: %v: %w", err, ErrInvalidPayload)
		}
		if derived != hello.Info.NodeID {
			return fmt.Errorf("handshake node id does not match public key: %w", ErrInvalidPayload)
		}
	}
	return nil
}

// IsUnspecifiedIP reports whether ip is 0.0.0.0 or ::.
func IsUnspecifiedIP(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsUnspecified()
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("frame exceeds %d bytes: %w", maxFrameBytes, ErrInvalidPayload)
	}
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return bytes.TrimSpace(append([]byte(nil), line...)), nil
}
