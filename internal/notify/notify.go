// Package notify fans committed status changes out to in-process
// subscribers. Delivery is best effort: a slow subscriber loses updates
// rather than ever holding up a committed transition.
package notify

import (
	"log"
	"sync"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
)

// defaultBuffer is the channel capacity used when a subscriber asks for
// none.
const defaultBuffer = 16

// StatusChange is one committed contract transition.
type StatusChange struct {
	ContractID string
	From       contract.Status
	To         contract.Status
	Version    int64
	Reason     string
	Timestamp  time.Time
}

type subscriber struct {
	id         int
	contractID string // empty subscribes to every contract
	ch         chan StatusChange
}

// Notifier distributes status changes to subscribers.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscriber)}
}

// Subscribe registers for status changes on one contract, or on every
// contract when contractID is empty. The returned cancel func releases
// the subscription and closes the channel; it is safe to call twice.
func (n *Notifier) Subscribe(contractID string, buffer int) (<-chan StatusChange, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscriber{
		id:         n.nextID,
		contractID: contractID,
		ch:         make(chan StatusChange, buffer),
	}
	n.nextID++

	if n.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	n.subs[sub.id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[sub.id]; ok {
				delete(n.subs, sub.id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers a status change to matching subscribers without
// blocking. Full buffers drop the update.
func (n *Notifier) Publish(change StatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	for _, sub := range n.subs {
		if sub.contractID != "" && sub.contractID != change.ContractID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			log.Printf("notification dropped contract_id=%s status=%s subscriber=%d",
				change.ContractID, change.To, sub.id)
		}
	}
}

// Close releases every subscription. Publish becomes a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
