package seeds

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// SignRecord produces the TXT value an authority publishes for one seed.
func SignRecord(priv ed25519.PrivateKey, domain, nodeID, address string, notBefore, notAfter int64) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("invalid ed25519 private key")
	}
	nodeID = normalizeNodeID(nodeID)
	address = strings.TrimSpace(address)
	sig := ed25519.Sign(priv, buildSigningMessage(nodeID, address, notBefore, notAfter, domain))
	payload, err := json.Marshal(dnsRecord{
		NodeID:    nodeID,
		Address:   address,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// LookupName is the TXT owner name for domain's seed records.
func LookupName(domain string) string {
	return defaultLookupPrefix + strings.TrimSpace(domain)
}
