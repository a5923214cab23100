package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

const nodeIDBytes = 20

// Identity is the node's long-lived secp256k1 key and the IDs derived from it.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	NodeID     string
	NodeTag    string
	PublicKey  string
}

// keyFile is the on-disk form. NodeID is informational and checked on load.
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	NodeID     string `json:"nodeId,omitempty"`
}

// LoadOrCreateIdentity loads the key at path, creating it on first start.
// NodeID is the hex of the first 20 bytes of blake3(uncompressed pubkey).
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity: path is required")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseKeyFile(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	id := newIdentity(key)
	if err := writeKeyFile(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

func writeKeyFile(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}
	payload, err := json.MarshalIndent(keyFile{
		PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(id.PrivateKey)),
		NodeID:     id.NodeID,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("identity: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("identity: write: %w", err)
	}
	return nil
}

func parseKeyFile(data []byte) (*Identity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("identity: key file is empty")
	}
	var stored keyFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("identity: decode key file: %w", err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(stored.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	id := newIdentity(key)
	if stored.NodeID != "" && !strings.EqualFold(stored.NodeID, id.NodeID) {
		return nil, fmt.Errorf("identity: key file records node id %s but key derives %s", stored.NodeID, id.NodeID)
	}
	return id, nil
}

func newIdentity(priv *ecdsa.PrivateKey) *Identity {
	pub := hex.EncodeToString(ethcrypto.FromECDSAPub(&priv.PublicKey))
	id, _ := DeriveNodeID(pub)
	return &Identity{
		PrivateKey: priv,
		NodeID:     id,
		NodeTag:    NodeTagFor(id),
		PublicKey:  pub,
	}
}

// DeriveNodeID hashes a hex-encoded public key into a node ID.
func DeriveNodeID(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(publicKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty public key")
	}
	digest := blake3.Sum256(raw)
	return hex.EncodeToString(digest[:nodeIDBytes]), nil
}

// NodeTagFor renders a short human label for a node ID.
func NodeTagFor(nodeID string) string {
	id := strings.ToUpper(nodeID)
	if len(id) < 8 {
		return "SWARM-" + id
	}
	return "SWARM-" + id[:4] + "-" + id[4:8]
}
