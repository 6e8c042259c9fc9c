package integrity

import (
	"fmt"
	"os"
	"strings"
)

const (
	envHMACKeys  = "VOICEPACT_EVENT_HMAC_KEYS"
	envHMACKey   = "VOICEPACT_EVENT_HMAC_KEY"
	envHMACKeyID = "VOICEPACT_EVENT_HMAC_KEY_ID"
	defaultKeyID = "v1"
)

// KeyringFromEnv builds the audit keyring from the environment. A single
// key comes from VOICEPACT_EVENT_HMAC_KEY; rotation uses
// VOICEPACT_EVENT_HMAC_KEYS ("id=secret,id=secret") with
// VOICEPACT_EVENT_HMAC_KEY_ID naming the signing key.
func KeyringFromEnv() (*Keyring, error) {
	keyID := strings.TrimSpace(os.Getenv(envHMACKeyID))
	if keyID == "" {
		keyID = defaultKeyID
	}

	if spec := strings.TrimSpace(os.Getenv(envHMACKeys)); spec != "" {
		keys, err := parseKeySpec(spec)
		if err != nil {
			return nil, err
		}
		return NewKeyring(keys, keyID)
	}

	raw := strings.TrimSpace(os.Getenv(envHMACKey))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", envHMACKey)
	}
	return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
}

func parseKeySpec(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", envHMACKeys)
		}
		keys[id] = []byte(value)
	}
	return keys, nil
}
