package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/metrics"
)

// errNotFound is returned by initializers for keys that stay absent.
var errNotFound = errors.New("storage: not found")

// DefaultMaxVisibilityRetries bounds how often a read is re-issued after
// hitting an undecided transaction.
const DefaultMaxVisibilityRetries = 64

// Revision is one immutable, versioned state of a key.
type Revision struct {
	Key     string
	Value   []byte
	Version clock.Version
}

func (r Revision) clone() Revision {
	r.Value = append([]byte(nil), r.Value...)
	return r
}

// ReadRequest asks for a key as of an observation. A nil observation reads
// the newest revision.
type ReadRequest struct {
	Key         string
	Observation *clock.Observation
}

// ReadResult is the outcome of one request in GetAll.
type ReadResult struct {
	Revision Revision
	Found    bool
	Err      error
}

type revisionList struct {
	mu   sync.RWMutex
	revs []Revision // ascending by version
}

// Options configures a Store.
type Options struct {
	Initializer          Initializer
	MaxVisibilityRetries int
	// RetryWait bounds a single wait for the in-flight set to change.
	RetryWait time.Duration
	Logger    *zap.Logger
}

// Models maps a key to the visibility model of its owner group. A nil
// model means the key is not owned locally. *clock.Clocks and
// *clock.Model implement it.
type Models interface {
	ModelFor(key string) *clock.Model
}

// Store is a multi-version in-memory store. It is safe for concurrent use;
// appends are serialised per key.
type Store struct {
	models     Models
	init       Initializer
	maxRetries int
	retryWait  time.Duration
	logger     *zap.Logger
	data       *skipmap.FuncMap[string, *revisionList]
}

// NewStore creates a store evaluating visibility with the models of
// models.
func NewStore(models Models, opts Options) *Store {
	if opts.Initializer == nil {
		opts.Initializer = LazyInitializer{}
	}
	if opts.MaxVisibilityRetries <= 0 {
		opts.MaxVisibilityRetries = DefaultMaxVisibilityRetries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		models:     models,
		init:       opts.Initializer,
		maxRetries: opts.MaxVisibilityRetries,
		retryWait:  opts.RetryWait,
		logger:     opts.Logger,
		data: skipmap.NewFunc[string, *revisionList](func(a, b string) bool {
			return a < b
		}),
	}
}

// Put appends rev to its key's list. A revision with a version already
// present for the key is ignored; Put reports whether rev was added.
func (s *Store) Put(rev Revision) bool {
	list, _ := s.data.LoadOrStore(rev.Key, &revisionList{})
	list.mu.Lock()
	defer list.mu.Unlock()

	idx := sort.Search(len(list.revs), func(i int) bool {
		return list.revs[i].Version >= rev.Version
	})
	if idx < len(list.revs) && list.revs[idx].Version == rev.Version {
		return false
	}
	list.revs = append(list.revs, Revision{})
	copy(list.revs[idx+1:], list.revs[idx:])
	list.revs[idx] = rev.clone()
	return true
}

// Get resolves a read. Keys without revisions go through the initializer;
// an OwnershipError from it is returned as is.
func (s *Store) Get(ctx context.Context, req ReadRequest) (Revision, bool, error) {
	model := s.models.ModelFor(req.Key)
	if model == nil {
		return Revision{}, false, &OwnershipError{Key: req.Key}
	}
	for attempt := 0; ; attempt++ {
		// Take the wake-up channel before evaluating so that a release
		// between the evaluation and the wait is not missed.
		changed := model.Sequencer().Changed()

		rev, verdict, err := s.read(model, req)
		if err != nil {
			return Revision{}, false, err
		}
		switch verdict {
		case clock.Compatible:
			return rev, true, nil
		case clock.NotCompatibleTryNext:
			return Revision{}, false, nil
		}

		if attempt >= s.maxRetries {
			s.logger.Error("read kept hitting undecided transactions",
				zap.String("key", req.Key),
				zap.Stringer("observation", req.Observation),
				zap.Int("retries", attempt))
			return Revision{}, false, errors.Wrapf(ErrVisibilityRetriesExhausted, "key %q", req.Key)
		}
		metrics.VisibilityRetryCounter.Inc()

		timer := time.NewTimer(s.retryWait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Revision{}, false, ctx.Err()
		}
		timer.Stop()
	}
}

// read evaluates a request once. NotCompatibleTryNext stands for not found.
func (s *Store) read(model *clock.Model, req ReadRequest) (Revision, clock.Compatibility, error) {
	obs := req.Observation
	if obs != nil && !model.PrepareRead(obs) {
		return Revision{}, clock.NotCompatibleTryNext, nil
	}

	list, ok := s.data.Load(req.Key)
	if !ok {
		// An undecided transaction inside the snapshot may create the key.
		if model.Undecided(obs) {
			return Revision{}, clock.NeverCompatible, nil
		}
		rev, err := s.init.Initialize(req.Key)
		if errors.Is(err, errNotFound) {
			return Revision{}, clock.NotCompatibleTryNext, nil
		}
		if err != nil {
			return Revision{}, clock.NotCompatibleTryNext, err
		}
		model.PostRead(obs, req.Key, rev.Version)
		return rev, clock.Compatible, nil
	}

	list.mu.RLock()
	defer list.mu.RUnlock()
	for i := len(list.revs) - 1; i >= 0; i-- {
		rev := list.revs[i]
		switch model.Compatible(rev.Version, obs) {
		case clock.Compatible:
			model.PostRead(obs, req.Key, rev.Version)
			return rev.clone(), clock.Compatible, nil
		case clock.NeverCompatible:
			return Revision{}, clock.NeverCompatible, nil
		}
	}
	return Revision{}, clock.NotCompatibleTryNext, nil
}

// GetAll evaluates every request independently.
func (s *Store) GetAll(ctx context.Context, reqs []ReadRequest) []ReadResult {
	out := make([]ReadResult, len(reqs))
	for i, req := range reqs {
		rev, found, err := s.Get(ctx, req)
		out[i] = ReadResult{Revision: rev, Found: found, Err: err}
	}
	return out
}

// Latest returns the newest committed revision of key without initialising
// missing keys.
func (s *Store) Latest(key string) (Revision, bool) {
	list, ok := s.data.Load(key)
	if !ok {
		return Revision{}, false
	}
	list.mu.RLock()
	defer list.mu.RUnlock()
	if len(list.revs) == 0 {
		return Revision{}, false
	}
	return list.revs[len(list.revs)-1].clone(), true
}

// Versions returns the number of revisions stored for key.
func (s *Store) Versions(key string) int {
	list, ok := s.data.Load(key)
	if !ok {
		return 0
	}
	list.mu.RLock()
	defer list.mu.RUnlock()
	return len(list.revs)
}

// Len returns the number of keys with at least one revision.
func (s *Store) Len() int {
	return s.data.Len()
}

// Range calls fn for every revision, keys in ascending order and revisions
// oldest first, until fn returns false.
func (s *Store) Range(fn func(rev Revision) bool) {
	s.data.Range(func(_ string, list *revisionList) bool {
		list.mu.RLock()
		revs := append([]Revision(nil), list.revs...)
		list.mu.RUnlock()
		for _, rev := range revs {
			if !fn(rev) {
				return false
			}
		}
		return true
	})
}
