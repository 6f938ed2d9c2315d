package detector

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"txstore/internal/membership"
	"txstore/internal/metrics"
)

// Status is the believed state of a peer.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Prober checks whether replica answers.
type Prober func(ctx context.Context, replica string) error

// Member is the detector's view of one peer.
type Member struct {
	ID       string
	Status   Status
	LastSeen time.Time
}

type Options struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	Logger         *zap.Logger
}

// Detector wraps a membership view and overrides Alive with probe results.
type Detector struct {
	membership.View

	mu      sync.RWMutex
	members map[string]*Member
	peers   []string

	probeInterval  time.Duration
	suspectTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a detector for every replica of view except the local one.
// All peers start ALIVE.
func New(view membership.View, opts Options) *Detector {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.SuspectTimeout <= 0 {
		opts.SuspectTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Detector{
		View:           view,
		members:        make(map[string]*Member),
		probeInterval:  opts.ProbeInterval,
		suspectTimeout: opts.SuspectTimeout,
		logger:         opts.Logger,
		now:            time.Now,
	}
	now := d.now()
	for _, id := range membership.AllReplicas(view) {
		if id == view.Self() {
			continue
		}
		d.members[id] = &Member{ID: id, Status: Alive, LastSeen: now}
		d.peers = append(d.peers, id)
	}
	return d
}

// Alive reports whether replica is the local one or was ALIVE at its last
// probe. Replicas outside the roster are never alive.
func (d *Detector) Alive(replica string) bool {
	if replica == d.Self() {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[replica]
	return ok && m.Status == Alive
}

// Start runs the probe and timeout loops until Stop or ctx is done.
func (d *Detector) Start(ctx context.Context, probe Prober) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)

	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.probe(ctx, probe)
			}
		}
	}()

	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.probeInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.checkTimeouts()
			}
		}
	}()
}

// Stop stops the loops started by Start.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// probe pings one random peer. Dead peers stay candidates so they can
// come back.
func (d *Detector) probe(ctx context.Context, probe Prober) {
	if len(d.peers) == 0 {
		return
	}
	target := d.peers[rand.Intn(len(d.peers))]

	probeCtx, cancel := context.WithTimeout(ctx, d.probeInterval)
	defer cancel()
	err := probe(probeCtx, target)
	if ctx.Err() != nil {
		// shutting down
		return
	}
	d.observe(target, err)
}

// observe records the result of one probe of id.
func (d *Detector) observe(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[id]
	if !ok {
		return
	}
	if err == nil {
		if m.Status != Alive {
			d.logger.Info("peer is alive", zap.String("peer", id), zap.Stringer("was", m.Status))
		}
		m.Status = Alive
		m.LastSeen = d.now()
		d.report(m)
		return
	}
	if m.Status == Alive {
		m.Status = Suspect
		m.LastSeen = d.now()
		d.logger.Warn("peer is suspect", zap.String("peer", id), zap.Error(err))
		d.report(m)
	}
}

// checkTimeouts turns suspects older than the suspect timeout into DEAD.
func (d *Detector) checkTimeouts() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.members {
		if m.Status == Suspect && now.Sub(m.LastSeen) > d.suspectTimeout {
			m.Status = Dead
			d.logger.Warn("peer is dead", zap.String("peer", m.ID),
				zap.Duration("suspect_for", now.Sub(m.LastSeen)))
			d.report(m)
		}
	}
}

func (d *Detector) report(m *Member) {
	metrics.PeerStatusGauge.WithLabelValues(d.Self(), m.ID).Set(float64(m.Status))
}

// Snapshot returns every peer sorted by ID.
func (d *Detector) Snapshot() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
