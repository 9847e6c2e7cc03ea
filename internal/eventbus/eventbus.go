// Package eventbus publishes Worker pool progress snapshots and Safety
// controller emergency-stop notices so that out-of-process observers (a
// dashboard, a sibling orchestrator instance) can subscribe without polling
// the filesystem marker. When no NATS URL is configured it falls back to a
// purely in-process fan-out, so the rest of the engine never has to branch
// on whether a broker is present.
package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus is the minimal publish/subscribe surface the engine depends on.
type Bus interface {
	Publish(subject string, payload any) error
	Subscribe(subject string, handler func(payload []byte)) (Subscription, error)
	Close()
}

// Subscription can be cancelled independently of the Bus.
type Subscription interface {
	Unsubscribe() error
}

// New connects to a NATS server when url is non-empty; otherwise it returns
// an in-process bus that never leaves the current binary.
func New(url string) (Bus, error) {
	if url == "" {
		return newLocalBus(), nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &natsBus{conn: nc}, nil
}

type natsBus struct {
	conn *nats.Conn
}

func (b *natsBus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

func (b *natsBus) Subscribe(subject string, handler func(payload []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBus) Close() {
	b.conn.Close()
}

// localBus is an in-process fallback used whenever no broker URL is
// configured (the common case for a single-instance autonomous run).
type localBus struct {
	mu   sync.RWMutex
	subs map[string][]func(payload []byte)
}

func newLocalBus() *localBus {
	return &localBus{subs: make(map[string][]func(payload []byte))}
}

func (b *localBus) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	handlers := append([]func(payload []byte){}, b.subs[subject]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

type localSubscription struct {
	unsub func()
}

func (s *localSubscription) Unsubscribe() error {
	s.unsub()
	return nil
}

func (b *localBus) Subscribe(subject string, handler func(payload []byte)) (Subscription, error) {
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], handler)
	idx := len(b.subs[subject]) - 1
	b.mu.Unlock()
	return &localSubscription{unsub: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[subject]
		if idx < len(handlers) {
			handlers[idx] = func([]byte) {}
		}
	}}, nil
}

func (b *localBus) Close() {}

// Subjects used by this module's components.
const (
	SubjectWorkerPoolProgress = "orchestrator.workerpool.progress"
	SubjectSafetyStop         = "orchestrator.safety.stop"
	SubjectSafetyClear        = "orchestrator.safety.clear"
)
