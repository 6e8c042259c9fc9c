package integrity

import (
	"github.com/voicepact/voicepact/internal/contract/event"
)

// EventHash computes the content hash of one audit event. The canonical
// envelope lives in the domain event package so field ordering cannot
// drift between the writer and the verifier.
func EventHash(evt event.Event) (string, error) {
	return event.EventHash(evt)
}

// ChainHash links an event to its predecessor's chain hash, using the
// same canonical envelope as EventHash.
func ChainHash(evt event.Event, prevHash string) (string, error) {
	return event.ChainHash(evt, prevHash)
}
