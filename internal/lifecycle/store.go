package lifecycle

import (
	"errors"
	"sort"
	"sync"
	"time"

	"ibn-ledger/gateway/pkg/models"
)

var ErrDeploymentNotFound = errors.New("lifecycle: deployment not found")

// Store keeps deployment records in memory. Records survive for the life of
// the process; the gateway is not the system of record for deployments.
type Store struct {
	mu      sync.Mutex
	records map[string]models.Deployment
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]models.Deployment),
		now:     time.Now,
	}
}

func (s *Store) Put(d models.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.UpdatedAt = s.now()
	s.records[d.ID] = d
}

// Update applies fn to a record under the lock and bumps UpdatedAt.
func (s *Store) Update(id string, fn func(*models.Deployment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	if !ok {
		return ErrDeploymentNotFound
	}
	fn(&d)
	d.UpdatedAt = s.now()
	s.records[id] = d
	return nil
}

func (s *Store) Get(id string) (models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	if !ok {
		return models.Deployment{}, ErrDeploymentNotFound
	}
	return d, nil
}

// List returns records newest first.
func (s *Store) List() []models.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Deployment, 0, len(s.records))
	for _, d := range s.records {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
