package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newIdentity(key)
}

func identityInfo(id *Identity) HandshakeInfo {
	return HandshakeInfo{NodeID: id.NodeID, NodeTag: id.NodeTag, PublicKey: id.PublicKey, Region: "eu-west"}
}

// scriptedRemote reads the local hello and answers with hello.
func scriptedRemote(t *testing.T, conn net.Conn, hello helloFrame) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadBytes('\n'); err != nil {
			return
		}
		data, _ := json.Marshal(hello)
		_, _ = conn.Write(append(data, '\n'))
	}()
}

func pipeHandshake(t *testing.T, hello helloFrame, guard *nonceGuard) (HandshakeInfo, error) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	scriptedRemote(t, remote, hello)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return performHandshake(ctx, local, bufio.NewReader(local), HandshakeInfo{NodeID: "local"}, guard, time.Now)
}

func TestHandshakeVerifySuccess(t *testing.T) {
	id := mustIdentity(t)
	info, err := pipeHandshake(t, helloFrame{
		ProtocolVersion: protocolVersion,
		Info:            identityInfo(id),
		Nonce:           "0a0b0c0d",
	}, newNonceGuard(0))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if info.NodeID != id.NodeID || info.PublicKey != id.PublicKey {
		t.Fatalf("remote info mismatch: %+v", info)
	}
	if info.RTT <= 0 {
		t.Fatalf("expected a measured rtt, got %v", info.RTT)
	}
}

func TestHandshakeRejectsNodeIDTamper(t *testing.T) {
	id := mustIdentity(t)
	info := identityInfo(id)
	info.NodeID = strings.Repeat("ab", nodeIDBytes)
	_, err := pipeHandshake(t, helloFrame{ProtocolVersion: protocolVersion, Info: info, Nonce: "01"}, nil)
	if !IsInvalidPayload(err) {
		t.Fatalf("expected invalid payload for node id mismatch, got %v", err)
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	_, err := pipeHandshake(t, helloFrame{ProtocolVersion: protocolVersion + 1, Info: HandshakeInfo{NodeID: "remote"}}, nil)
	if !IsInvalidPayload(err) {
		t.Fatalf("expected invalid payload for version mismatch, got %v", err)
	}
}

func TestHandshakeRejectsMissingNodeID(t *testing.T) {
	_, err := pipeHandshake(t, helloFrame{ProtocolVersion: protocolVersion}, nil)
	if !IsInvalidPayload(err) {
		t.Fatalf("expected invalid payload for empty node id, got %v", err)
	}
}

func TestHandshakeNonceReplay(t *testing.T) {
	guard := newNonceGuard(0)
	hello := helloFrame{ProtocolVersion: protocolVersion, Info: HandshakeInfo{NodeID: "remote"}, Nonce: "deadbeef"}
	if _, err := pipeHandshake(t, hello, guard); err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	if _, err := pipeHandshake(t, hello, guard); !IsInvalidPayload(err) {
		t.Fatalf("expected replayed nonce to be rejected, got %v", err)
	}
	hello.Nonce = "DEAD-BEEF"
	if _, err := pipeHandshake(t, hello, guard); !IsInvalidPayload(err) {
		t.Fatalf("expected canonicalized replay to be rejected, got %v", err)
	}
	hello.Nonce = "cafebabe"
	if _, err := pipeHandshake(t, hello, guard); err != nil {
		t.Fatalf("fresh nonce should pass: %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := performHandshake(ctx, local, bufio.NewReader(local), HandshakeInfo{NodeID: "local"}, nil, time.Now)
	if err == nil {
		t.Fatalf("expected silent peer to time out")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("handshake did not honour the deadline")
	}
}

func TestHandshakeFillsAddressFromSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		scriptedRemote(t, raw, helloFrame{ProtocolVersion: protocolVersion, Info: HandshakeInfo{NodeID: "remote", IP: "0.0.0.0"}, Nonce: "aa"})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := performHandshake(ctx, conn, bufio.NewReader(conn), HandshakeInfo{NodeID: "local"}, nil, time.Now)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if info.IP != "127.0.0.1" || info.P2PPort != port {
		t.Fatalf("expected socket address to fill unspecified fields, got %s:%d", info.IP, info.P2PPort)
	}
}

func TestTCPTransportConnectSendReceive(t *testing.T) {
	serverID, clientID := mustIdentity(t), mustIdentity(t)
	server := NewTCPTransport(TCPTransportConfig{Local: identityInfo(serverID)})
	client := NewTCPTransport(TCPTransportConfig{Local: identityInfo(clientID)})
	client.SetLocalHeight(42, "4200")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	inbound := make(chan Connection, 1)
	go func() { _ = server.Serve(ctx, ln, func(c Connection) { inbound <- c }) }()

	conn, err := client.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if conn.Handshake().NodeID != serverID.NodeID {
		t.Fatalf("client saw %s, want %s", conn.Handshake().NodeID, serverID.NodeID)
	}

	var accepted Connection
	select {
	case accepted = <-inbound:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the connection")
	}
	defer accepted.Close()
	remote := accepted.Handshake()
	if remote.NodeID != clientID.NodeID || remote.Height != 42 || remote.TotalWork != "4200" {
		t.Fatalf("server saw %+v", remote)
	}

	msg, err := NewTxMessage(&Tx{Hash: hashN(1), Body: []byte("payload")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.Send(ctx, conn, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
	defer recvCancel()
	got, err := accepted.Receive(recvCtx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var tx Tx
	if err := decodePayload(got, &tx); err != nil || tx.Hash != hashN(1) {
		t.Fatalf("round trip mismatch: %+v %v", tx, err)
	}

	if err := client.Send(ctx, newFakeConn("x", "y"), msg); err == nil {
		t.Fatalf("expected foreign connection to be rejected")
	}
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.json")
	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if first.NodeID != second.NodeID || len(first.NodeID) != 2*nodeIDBytes {
		t.Fatalf("identity not stable: %s vs %s", first.NodeID, second.NodeID)
	}
	derived, err := DeriveNodeID(first.PublicKey)
	if err != nil || derived != first.NodeID {
		t.Fatalf("derived id mismatch: %s %v", derived, err)
	}
	if !strings.HasPrefix(first.NodeTag, "SWARM-") {
		t.Fatalf("unexpected tag %q", first.NodeTag)
	}
	if _, err := LoadOrCreateIdentity(""); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestLoadIdentityRejectsMismatchedNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	id, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), id.NodeID, strings.Repeat("0", 2*nodeIDBytes), 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatalf("expected node id mismatch to be rejected")
	}
	if err := os.WriteFile(path, []byte("  "), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatalf("expected empty key file to be rejected")
	}
}
