// Package integrity provides tamper-evidence primitives for the audit
// journal: event/chain hashing and HMAC signing of chain hashes.
package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const derivedKeySize = 32

// Keyring holds root HMAC keys by id. Signing always uses the active
// key; verification accepts any configured key so signatures written
// under a rotated-out key still verify.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for HMAC signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the id of the signing key.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// SignChainHash signs a chain hash under a contract-scoped key derived
// from the active root key. Returns the signature and the key id that
// produced it.
func (k *Keyring) SignChainHash(contractID, chainHash string) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("hmac keyring is not configured")
	}
	key, err := k.contractKey(k.activeKeyID, contractID)
	if err != nil {
		return "", "", err
	}
	return hexHMAC(key, chainHash), k.activeKeyID, nil
}

// VerifyChainHash checks a stored signature against the chain hash it
// covers, using the key id recorded alongside it.
func (k *Keyring) VerifyChainHash(contractID, chainHash, signature, keyID string) error {
	if k == nil {
		return fmt.Errorf("hmac keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	key, err := k.contractKey(keyID, contractID)
	if err != nil {
		return err
	}
	want := hexHMAC(key, chainHash)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// contractKey derives the per-contract signing key via HKDF so a leaked
// derived key exposes one contract's chain, not the root.
func (k *Keyring) contractKey(keyID, contractID string) ([]byte, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id is unknown")
	}
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, fmt.Errorf("contract id is required")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "contract:"+contractID, derivedKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive contract key: %w", err)
	}
	return key, nil
}

func hexHMAC(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
