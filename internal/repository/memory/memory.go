package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

// Store is an in-process status store and deployment repository.
type Store struct {
	mu          sync.RWMutex
	statuses    map[string]domain.Status
	deployments map[string]domain.Deployment
	subMu       sync.Mutex
	subscribers map[int]chan domain.StatusChange
	nextSub     int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		statuses:    make(map[string]domain.Status),
		deployments: make(map[string]domain.Deployment),
		subscribers: make(map[int]chan domain.StatusChange),
	}
}

var (
	_ repository.StatusStore          = (*Store)(nil)
	_ repository.StatusNotifier       = (*Store)(nil)
	_ repository.DeploymentRepository = (*Store)(nil)
)

// SetStatus records status for id and notifies subscribers.
func (s *Store) SetStatus(_ context.Context, id string, status domain.Status) error {
	s.mu.Lock()
	s.statuses[id] = status
	s.mu.Unlock()
	s.publish(domain.StatusChange{DeploymentID: id, Status: status})
	return nil
}

// GetStatus returns the status for id or repository.ErrNotFound.
func (s *Store) GetStatus(_ context.Context, id string) (domain.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return status, nil
}

// DeleteStatus removes the status and deployment record for id.
func (s *Store) DeleteStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
	delete(s.deployments, id)
	return nil
}

// SaveDeployment stores a copy of deployment.
func (s *Store) SaveDeployment(_ context.Context, deployment *domain.Deployment) error {
	d := *deployment
	d.Files = slices.Clone(deployment.Files)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d
	return nil
}

// GetDeployment returns a copy of the stored deployment.
func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d.Files = slices.Clone(d.Files)
	return &d, nil
}

// SubscribeStatus blocks delivering status changes to fn until ctx is done.
func (s *Store) SubscribeStatus(ctx context.Context, fn func(domain.StatusChange)) error {
	ch := make(chan domain.StatusChange, 64)
	s.subMu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subscribers[key] = ch
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subscribers, key)
		s.subMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-ch:
			fn(change)
		}
	}
}

func (s *Store) publish(change domain.StatusChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			// slow subscriber; polling still observes the write
		}
	}
}

// Queue is an unbounded in-process FIFO queue.
type Queue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

var (
	_ repository.WorkQueue    = (*Queue)(nil)
	_ repository.WorkConsumer = (*Queue)(nil)
)

// Push appends id to the tail of the queue.
func (q *Queue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the head of the queue, waiting up to timeout for an item.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if id, ok := q.take(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", repository.ErrQueueEmpty
		case <-q.notify:
		}
	}
}

// Len reports the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return id, true
}
