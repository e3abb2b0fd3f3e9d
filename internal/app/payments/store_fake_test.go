package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

// memStore is an in-memory PaymentStore with the same version semantics as
// the Postgres repository.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.Payment

	getErr error
	// beforePut runs before each Put and may simulate a concurrent writer.
	beforePut func(s *memStore, p *domain.Payment)
	puts      int
	creates   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.Payment)}
}

func (s *memStore) Get(_ context.Context, orderKey string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.records[orderKey]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *memStore) Create(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if _, ok := s.records[p.OrderKey]; ok {
		return fmt.Errorf("payment for order %s: %w", p.OrderKey, domain.ErrPaymentAlreadyExists)
	}
	p.Version = 1
	s.records[p.OrderKey] = *p
	return nil
}

func (s *memStore) Put(_ context.Context, p *domain.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.beforePut != nil {
		s.beforePut(s, p)
	}
	stored, ok := s.records[p.OrderKey]
	if !ok || stored.Version != expectedVersion {
		return fmt.Errorf("payment %s at version %d: %w", p.OrderKey, expectedVersion, domain.ErrVersionConflict)
	}
	p.Version = expectedVersion + 1
	s.records[p.OrderKey] = *p
	return nil
}

func (s *memStore) List(_ context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range s.records {
		if filter.CustomerID != "" && p.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		p := p
		out = append(out, &p)
	}
	return out, nil
}

// bump simulates another writer committing a change. Callers hold s.mu.
func (s *memStore) bump(orderKey string, mutate func(p *domain.Payment)) {
	stored := s.records[orderKey]
	mutate(&stored)
	stored.Version++
	s.records[orderKey] = stored
}

func (s *memStore) snapshot(orderKey string) (domain.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[orderKey]
	return p, ok
}
