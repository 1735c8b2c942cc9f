package alert

import (
	"context"
	"sort"
	"sync"
)

// Queue holds alerts until they are resolved from outside, e.g. over HTTP
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pendingAlert
}

type pendingAlert struct {
	alert  Alert
	choice chan Choice
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*pendingAlert)}
}

// Decide parks the alert until Resolve is called for its id or ctx ends
func (q *Queue) Decide(ctx context.Context, a Alert) (Choice, error) {
	p := &pendingAlert{alert: a, choice: make(chan Choice, 1)}

	q.mu.Lock()
	q.pending[a.ID] = p
	q.mu.Unlock()

	select {
	case c := <-p.choice:
		return c, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, a.ID)
		q.mu.Unlock()
		return ChoiceIgnore, ctx.Err()
	}
}

// Resolve answers a pending alert
func (q *Queue) Resolve(id string, c Choice) error {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return ErrUnknownAlert
	}
	p.choice <- c
	return nil
}

// Pending returns unresolved alerts, oldest first
func (q *Queue) Pending() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()

	alerts := make([]Alert, 0, len(q.pending))
	for _, p := range q.pending {
		alerts = append(alerts, p.alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].RaisedAt.Before(alerts[j].RaisedAt)
	})
	return alerts
}

// Len returns the number of unresolved alerts
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
