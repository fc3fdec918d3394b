package engine

import "sync"

// Handlers is a concurrency-safe handler registry shared by engine
// implementations.
type Handlers struct {
	mu           sync.Mutex
	next         int
	messages     map[int]MessageHandler
	measurements map[int]MeasurementHandler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{
		messages:     make(map[int]MessageHandler),
		measurements: make(map[int]MeasurementHandler),
	}
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.fn) }

// AddMessage registers h for bus messages.
func (r *Handlers) AddMessage(h MessageHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.messages[id] = h

	return &subscription{fn: func() {
		r.mu.Lock()
		delete(r.messages, id)
		r.mu.Unlock()
	}}
}

// AddMeasurement registers h for FPSSignal.
func (r *Handlers) AddMeasurement(h MeasurementHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.measurements[id] = h

	return &subscription{fn: func() {
		r.mu.Lock()
		delete(r.measurements, id)
		r.mu.Unlock()
	}}
}

// Len returns the number of live subscriptions.
func (r *Handlers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.messages) + len(r.measurements)
}

// EmitMessage delivers m to every registered message handler.
func (r *Handlers) EmitMessage(m Message) {
	r.mu.Lock()
	hs := make([]MessageHandler, 0, len(r.messages))
	for _, h := range r.messages {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h(m)
	}
}

// EmitMeasurement delivers m to every registered measurement handler.
func (r *Handlers) EmitMeasurement(m Measurement) {
	r.mu.Lock()
	hs := make([]MeasurementHandler, 0, len(r.measurements))
	for _, h := range r.measurements {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h(m)
	}
}
