package core

import (
	"context"
	"sort"
	"sync"
)

// Store is the job and printer repository behind the queue. The queue only
// ever exchanges copies with it; entities are addressed by id.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error

	SavePrinter(ctx context.Context, p *Printer) error
	GetPrinter(ctx context.Context, id string) (*Printer, error)
	ListPrinters(ctx context.Context) ([]*Printer, error)
	DeletePrinter(ctx context.Context, id string) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	printers map[string]*Printer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		printers: make(map[string]*Printer),
	}
}

func (s *MemoryStore) SaveJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.ListJobsByStatus(ctx)
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...JobStatus) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	jobs := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	return jobs, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) SavePrinter(_ context.Context, p *Printer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printers[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPrinter(_ context.Context, id string) (*Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.printers[id]
	if !ok {
		return nil, ErrPrinterNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPrinters(_ context.Context) ([]*Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	printers := make([]*Printer, 0, len(s.printers))
	for _, p := range s.printers {
		printers = append(printers, p.Clone())
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].ID < printers[j].ID })
	return printers, nil
}

func (s *MemoryStore) DeletePrinter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.printers[id]; !ok {
		return ErrPrinterNotFound
	}
	delete(s.printers, id)
	return nil
}
