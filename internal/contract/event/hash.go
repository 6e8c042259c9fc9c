package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// envelopeSeparator joins canonical envelope fields. Field values never
// contain it because ids, types, and hex digests are single-line tokens
// and the payload is JSON with escaped newlines.
const envelopeSeparator = "\n"

// EventHash computes the content hash for a single event.
//
// The canonical envelope fixes field order in one place so the digest
// cannot drift between the append path and chain verification. The
// result is SHA-256 truncated to 128 bits, hex encoded.
func EventHash(evt Event) (string, error) {
	envelope, err := canonicalEnvelope(evt)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(envelope))
	return hex.EncodeToString(digest[:16]), nil
}

// ChainHash computes the SHA-256 hash that links an event to its predecessor.
// prevHash is empty for the first event of a contract.
func ChainHash(evt Event, prevHash string) (string, error) {
	if strings.TrimSpace(evt.Hash) == "" {
		return "", fmt.Errorf("event hash is required before chaining")
	}
	digest := sha256.Sum256([]byte(prevHash + envelopeSeparator + evt.Hash))
	return hex.EncodeToString(digest[:]), nil
}

func canonicalEnvelope(evt Event) (string, error) {
	if strings.TrimSpace(evt.ContractID) == "" {
		return "", fmt.Errorf("contract id is required")
	}
	if evt.Seq == 0 {
		return "", fmt.Errorf("event seq is required")
	}
	if !evt.Type.IsValid() {
		return "", fmt.Errorf("event type is required")
	}
	if evt.Timestamp.IsZero() {
		return "", fmt.Errorf("event timestamp is required")
	}

	fields := []string{
		evt.ContractID,
		strconv.FormatUint(evt.Seq, 10),
		strconv.FormatInt(evt.Timestamp.UTC().UnixMilli(), 10),
		string(evt.Type),
		string(evt.ActorType),
		evt.ActorID,
		evt.Channel,
		string(evt.PayloadJSON),
	}
	return strings.Join(fields, envelopeSeparator), nil
}
