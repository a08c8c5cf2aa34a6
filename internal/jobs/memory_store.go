package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jo-hoe/reelsmith/internal/artifact"
)

// MemoryStore is an in-process Store. Each job has its own lock so writers to
// different jobs never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memEntry
	now  func() time.Time
}

type memEntry struct {
	mu  sync.Mutex
	job *Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, id string, in Inputs) (*Job, error) {
	job, err := newJob(id, in, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return nil, ErrAlreadyExists
	}
	s.jobs[id] = &memEntry{job: job}
	return job.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, stage Stage, progress int) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyTransition(j, stage, progress, now) })
}

func (s *MemoryStore) AttachScript(_ context.Context, id string, script Script) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyScript(j, script, now) })
}

func (s *MemoryStore) AttachSceneArtifact(_ context.Context, id string, sceneIndex int, ref artifact.Ref, seconds float64) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applySceneArtifact(j, sceneIndex, ref, seconds, now) })
}

func (s *MemoryStore) AttachFinalArtifact(_ context.Context, id string, ref artifact.Ref) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyFinalArtifact(j, ref, now) })
}

func (s *MemoryStore) RecordPublish(_ context.Context, id string, res PublishResult) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyPublish(j, res, now) })
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, description string) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyFailure(j, description, now) })
}

func (s *MemoryStore) RecordDuration(_ context.Context, id string, seconds float64) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyDuration(j, seconds, now) })
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyCancel(j, now) })
}

func (s *MemoryStore) MarkAttempt(_ context.Context, id string) (*Job, error) {
	return s.update(id, func(j *Job, now time.Time) error { return applyAttempt(j, now) })
}

func (s *MemoryStore) ListUnfinished(_ context.Context) ([]string, error) {
	s.mu.RLock()
	entries := make(map[string]*memEntry, len(s.jobs))
	for id, e := range s.jobs {
		entries[id] = e
	}
	s.mu.RUnlock()

	type item struct {
		id      string
		created time.Time
	}
	var items []item
	for id, e := range entries {
		e.mu.Lock()
		if !e.job.Stage.Terminal() {
			items = append(items, item{id: id, created: e.job.CreatedAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(items, func(a, b int) bool { return items[a].created.Before(items[b].created) })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Job, int, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var matched []*Job
	for _, e := range entries {
		e.mu.Lock()
		if filter.Stage == "" || e.job.Stage == filter.Stage {
			matched = append(matched, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID < matched[b].ID
		}
		return matched[a].CreatedAt.Before(matched[b].CreatedAt)
	})
	total := len(matched)
	if filter.Offset >= total {
		return []*Job{}, total, nil
	}
	page := matched[max(filter.Offset, 0):]
	if filter.Limit > 0 && len(page) > filter.Limit {
		page = page[:filter.Limit]
	}
	return page, total, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(id string) (*memEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// update applies fn to a copy of the job and swaps it in only on success.
func (s *MemoryStore) update(id string, fn func(j *Job, now time.Time) error) (*Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.job.Clone()
	if err := fn(next, s.now()); err != nil {
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}
