package termination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"txstore/internal/certifier"
	"txstore/internal/clock"
	"txstore/internal/membership"
	"txstore/internal/partition"
	"txstore/internal/storage"
	"txstore/internal/transport"
	"txstore/internal/transport/local"
	"txstore/internal/txn"
)

// Groups A, B and C own k0-k2, k3-k5 and k6-k9. D owns nothing.
var testRoster = []membership.Group{
	{Name: "A", Replicas: []string{"r1", "r2"}},
	{Name: "B", Replicas: []string{"r3"}},
	{Name: "C", Replicas: []string{"r4", "r5"}},
}

type replica struct {
	id     string
	clocks *clock.Clocks
	// seq is the sequencer of the replica's first group.
	seq   *clock.Sequencer
	store *storage.Store
	coord *Coordinator
}

type cluster struct {
	hub      *local.Hub
	replicas map[string]*replica
}

func newCluster(t *testing.T, roster []membership.Group, opts Options) *cluster {
	t.Helper()
	ids := map[string]bool{}
	for _, g := range roster {
		for _, r := range g.Replicas {
			ids[r] = true
		}
	}
	hubView, err := membership.NewStatic("hub", roster)
	require.NoError(t, err)
	c := &cluster{
		hub:      local.NewHub(hubView, zap.NewNop()),
		replicas: make(map[string]*replica),
	}
	for id := range ids {
		view, err := membership.NewStatic(id, roster)
		require.NoError(t, err)
		part := partition.New(view)
		require.NoError(t, part.Assign("k#", partition.Uniform))

		clocks := clock.NewClocks(view.MyGroups(), part)
		seq, _ := clocks.Sequencer(view.MyGroups()[0])
		store := storage.NewStore(clocks, storage.Options{
			Initializer: storage.LazyInitializer{Locality: part},
		})
		cert := certifier.New(store, part, certifier.Options{VoteReadSet: opts.VoteReadSet})

		o := opts
		o.Logger = zap.NewNop().Named(id)
		coord := New(Deps{
			View:      view,
			Resolver:  part,
			Clocks:    clocks,
			Store:     store,
			Certifier: cert,
		}, o)
		ep := c.hub.Register(id, coord, nil)
		coord.SetTransport(ep, ep)
		c.replicas[id] = &replica{id: id, clocks: clocks, seq: seq, store: store, coord: coord}
	}
	t.Cleanup(func() {
		for _, r := range c.replicas {
			r.coord.Close()
		}
		c.hub.Close()
	})
	return c
}

func (c *cluster) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range c.replicas {
			if r.coord.Pending() != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)
}

func writeRecord(origin string, observed clock.Version, keys ...string) *txn.Record {
	rec := txn.NewRecord(origin, txn.Normal)
	for _, k := range keys {
		rec.AddRead(k, observed)
		rec.AddWrite(k, []byte(k+"@"+origin))
	}
	return rec
}

type failingCertifier struct{ t *testing.T }

func (f failingCertifier) Certify(*txn.Record) bool {
	f.t.Fatal("certifier consulted")
	return false
}

type failingMulticast struct{ t *testing.T }

func (f failingMulticast) Multicast(context.Context, transport.Request) error {
	f.t.Fatal("multicast used")
	return nil
}

func TestCoordinator_ReadOnlyFastPath(t *testing.T) {
	view, err := membership.NewStatic("r1", testRoster)
	require.NoError(t, err)
	part := partition.New(view)
	require.NoError(t, part.Assign("k#", partition.Uniform))

	coord := New(Deps{
		View:      view,
		Resolver:  part,
		Certifier: failingCertifier{t},
		Multicast: failingMulticast{t},
	}, Options{Logger: zap.NewNop()})
	defer coord.Close()

	rec := txn.NewRecord("r1", txn.ReadOnly)
	rec.AddRead("k1", 0)
	rec.AddRead("k7", 0)
	outcome, err := coord.Commit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, outcome)
}

func TestCoordinator_Route(t *testing.T) {
	view, err := membership.NewStatic("r1", testRoster)
	require.NoError(t, err)
	part := partition.New(view)
	require.NoError(t, part.Assign("k#", partition.Uniform))

	rec := txn.NewRecord("r1", txn.Normal)
	rec.AddRead("k4", 0)
	rec.AddWrite("k1", nil)
	rec.AddCreate("k8", nil)

	coord := New(Deps{View: view, Resolver: part}, Options{})
	dests, voters, err := coord.Route(rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, dests)
	assert.Equal(t, []string{"A", "C"}, voters)

	coord = New(Deps{View: view, Resolver: part}, Options{VoteReadSet: true})
	_, voters, err = coord.Route(rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, voters)
}

func TestCoordinator_CommitAppliesAtEveryReplica(t *testing.T) {
	c := newCluster(t, testRoster, Options{})

	rec := writeRecord("r1", 0, "k1")
	outcome, err := c.replicas["r1"].coord.Commit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, outcome)
	c.waitIdle(t)

	for _, id := range []string{"r1", "r2"} {
		rev, ok := c.replicas[id].store.Latest("k1")
		require.True(t, ok, id)
		assert.Equal(t, clock.Version(1), rev.Version)
		assert.Equal(t, "k1@r1", string(rev.Value))
		assert.Equal(t, 0, c.replicas[id].seq.InFlight())
	}
	_, ok := c.replicas["r3"].store.Latest("k1")
	assert.False(t, ok, "other groups never store the key")
	assert.True(t, c.replicas["r2"].coord.Terminated(rec.Handler))
}

func TestCoordinator_ConflictingWritesInOrder(t *testing.T) {
	c := newCluster(t, testRoster, Options{})
	ctx := context.Background()

	t1 := writeRecord("r1", 0, "k2")
	t2 := writeRecord("r2", 0, "k2")

	o1, err := c.replicas["r1"].coord.Commit(ctx, t1)
	require.NoError(t, err)
	o2, err := c.replicas["r2"].coord.Commit(ctx, t2)
	require.NoError(t, err)

	assert.Equal(t, txn.Committed, o1)
	assert.Equal(t, txn.Aborted, o2, "t2 observed a version older than t1's")
	c.waitIdle(t)

	rev, ok := c.replicas["r2"].store.Latest("k2")
	require.True(t, ok)
	assert.Equal(t, "k2@r1", string(rev.Value))
	assert.Equal(t, 1, c.replicas["r2"].store.Versions("k2"))
}

func TestCoordinator_ConcurrentConflictsCommitAtMostOne(t *testing.T) {
	c := newCluster(t, testRoster, Options{})

	const n = 8
	origins := []string{"r1", "r2", "r3", "r4", "r5"}
	outcomes := make([]txn.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := origins[i%len(origins)]
			out, err := c.replicas[origin].coord.Commit(context.Background(), writeRecord(origin, 0, "k0", "k5"))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()
	c.waitIdle(t)

	committed := 0
	for _, o := range outcomes {
		if o == txn.Committed {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, c.replicas["r1"].store.Versions("k0"))
	assert.Equal(t, 1, c.replicas["r3"].store.Versions("k5"))
}

func TestCoordinator_QuorumWaitsForEveryGroup(t *testing.T) {
	c := newCluster(t, testRoster, Options{})

	var (
		mu   sync.Mutex
		held []heldVote
	)
	c.hub.DropVotes(func(to string, v transport.Vote) bool {
		if v.Group != "C" {
			return false
		}
		mu.Lock()
		held = append(held, heldVote{to: to, vote: v})
		mu.Unlock()
		return true
	})

	rec := writeRecord("r1", 0, "k1", "k4", "k7")
	result := make(chan txn.Outcome, 1)
	go func() {
		out, err := c.replicas["r1"].coord.Commit(context.Background(), rec)
		assert.NoError(t, err)
		result <- out
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(held) > 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	select {
	case out := <-result:
		t.Fatalf("finalised as %s without group C's vote", out)
	default:
	}
	_, ok := c.replicas["r1"].store.Latest("k1")
	assert.False(t, ok)

	// deliver the held votes twice; duplicates must not matter
	c.hub.DropVotes(nil)
	mu.Lock()
	votes := append([]heldVote(nil), held...)
	mu.Unlock()
	for i := 0; i < 2; i++ {
		for _, h := range votes {
			c.replicas[h.to].coord.HandleVote(h.vote)
		}
	}

	select {
	case out := <-result:
		assert.Equal(t, txn.Committed, out)
	case <-time.After(2 * time.Second):
		t.Fatal("not finalised after all votes arrived")
	}
	c.waitIdle(t)
	for _, id := range []string{"r1", "r2"} {
		assert.Equal(t, 1, c.replicas[id].store.Versions("k1"))
	}
	assert.Equal(t, 1, c.replicas["r3"].store.Versions("k4"))
	assert.Equal(t, 1, c.replicas["r5"].store.Versions("k7"))
}

type heldVote struct {
	to   string
	vote transport.Vote
}

func TestCoordinator_DuplicateDelivery(t *testing.T) {
	c := newCluster(t, testRoster, Options{})
	c.hub.DuplicateDeliveries(true)

	out, err := c.replicas["r1"].coord.Commit(context.Background(), writeRecord("r1", 0, "k1"))
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, out)
	c.waitIdle(t)

	// allow the duplicate copy to be drained
	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{"r1", "r2"} {
		assert.Equal(t, clock.Version(1), c.replicas[id].seq.Last(), "duplicate consumed a sequence number at %s", id)
		assert.Equal(t, 1, c.replicas[id].store.Versions("k1"))
		assert.Equal(t, 0, c.replicas[id].seq.InFlight())
	}
}

func TestCoordinator_VoteTimeoutAborts(t *testing.T) {
	c := newCluster(t, testRoster, Options{VoteTimeout: 100 * time.Millisecond, CertifyTimeout: 50 * time.Millisecond})
	c.hub.Disconnect("r3") // group B has no live replica

	out, err := c.replicas["r1"].coord.Commit(context.Background(), writeRecord("r1", 0, "k1", "k4"))
	require.NoError(t, err)
	assert.Equal(t, txn.Aborted, out)

	require.Eventually(t, func() bool {
		return c.replicas["r1"].coord.Pending() == 0 && c.replicas["r2"].coord.Pending() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.replicas["r1"].store.Versions("k1"))
	assert.Equal(t, 0, c.replicas["r1"].seq.InFlight())
}

func TestCoordinator_ProxyOrigin(t *testing.T) {
	roster := append(append([]membership.Group(nil), testRoster...), membership.Group{Name: "D", Replicas: []string{"r9"}})
	c := newCluster(t, roster, Options{})

	// with four groups k0-k1 belong to A
	rec := writeRecord("r9", 0, "k1")
	out, err := c.replicas["r9"].coord.Commit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, out)
	c.waitIdle(t)

	assert.Equal(t, 1, c.replicas["r1"].store.Versions("k1"))
	assert.Equal(t, clock.Version(0), c.replicas["r9"].seq.Last(), "proxy never reserves a version")
	assert.True(t, c.replicas["r9"].coord.Terminated(rec.Handler))
}

func TestCoordinator_InitSeedsVersionZero(t *testing.T) {
	c := newCluster(t, testRoster, Options{})

	rec := txn.NewRecord("r1", txn.Init)
	rec.AddCreate("k1", []byte("seed"))
	rec.AddCreate("k8", []byte("seed"))
	out, err := c.replicas["r1"].coord.Commit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, out)
	c.waitIdle(t)

	rev, ok := c.replicas["r2"].store.Latest("k1")
	require.True(t, ok)
	assert.Equal(t, clock.Version(0), rev.Version)
	assert.Equal(t, clock.Version(0), c.replicas["r2"].seq.Last(), "init does not consume the counter")
	rev, ok = c.replicas["r4"].store.Latest("k8")
	require.True(t, ok)
	assert.Equal(t, "seed", string(rev.Value))

	// a write that observed the seed commits
	out, err = c.replicas["r1"].coord.Commit(context.Background(), writeRecord("r1", 0, "k1"))
	require.NoError(t, err)
	assert.Equal(t, txn.Committed, out)
}

func TestCoordinator_ClosedRejectsCommit(t *testing.T) {
	c := newCluster(t, testRoster, Options{})
	coord := c.replicas["r1"].coord
	coord.Close()

	_, err := coord.Commit(context.Background(), writeRecord("r1", 0, "k1"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCoordinator_ContextCancelled(t *testing.T) {
	c := newCluster(t, testRoster, Options{})
	c.hub.Disconnect("r3")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.replicas["r1"].coord.Commit(ctx, writeRecord("r1", 0, "k4"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCoordinator_OverlappingGroupsShareVersions(t *testing.T) {
	// s belongs to both groups; A owns k0-k4 and B owns k5-k9
	roster := []membership.Group{
		{Name: "A", Replicas: []string{"r1", "s"}},
		{Name: "B", Replicas: []string{"s", "r3"}},
	}
	c := newCluster(t, roster, Options{})
	ctx := context.Background()

	latest := func(id, key string) clock.Version {
		rev, ok := c.replicas[id].store.Latest(key)
		if !ok {
			return 0
		}
		return rev.Version
	}

	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			out, err := c.replicas["r3"].coord.Commit(ctx, writeRecord("r3", latest("r3", "k7"), "k7"))
			require.NoError(t, err)
			require.Equal(t, txn.Committed, out, "B write %d", i)
		}
		out, err := c.replicas["r1"].coord.Commit(ctx, writeRecord("r1", latest("r1", "k1"), "k1"))
		require.NoError(t, err)
		require.Equal(t, txn.Committed, out, "A write %d", i)
		c.waitIdle(t)
		assert.Equal(t, latest("r1", "k1"), latest("s", "k1"), "A write %d", i)
	}

	assert.Equal(t, clock.Version(20), latest("s", "k1"))
	assert.Equal(t, latest("r3", "k7"), latest("s", "k7"))
	seqA, ok := c.replicas["s"].clocks.Sequencer("A")
	require.True(t, ok)
	seqB, ok := c.replicas["s"].clocks.Sequencer("B")
	require.True(t, ok)
	assert.Equal(t, clock.Version(20), seqA.Last())
	assert.Equal(t, clock.Version(7), seqB.Last())
}

func TestCoordinator_TransactionSpanningOverlappingGroups(t *testing.T) {
	roster := []membership.Group{
		{Name: "A", Replicas: []string{"r1", "s"}},
		{Name: "B", Replicas: []string{"s", "r3"}},
	}
	c := newCluster(t, roster, Options{})

	out, err := c.replicas["r3"].coord.Commit(context.Background(), writeRecord("r3", 0, "k8"))
	require.NoError(t, err)
	require.Equal(t, txn.Committed, out)

	out, err = c.replicas["s"].coord.Commit(context.Background(), writeRecord("s", 0, "k2", "k6"))
	require.NoError(t, err)
	require.Equal(t, txn.Committed, out)
	c.waitIdle(t)

	// each key carries the version of its own group
	for _, id := range []string{"r1", "s"} {
		rev, ok := c.replicas[id].store.Latest("k2")
		require.True(t, ok, id)
		assert.Equal(t, clock.Version(1), rev.Version, id)
	}
	for _, id := range []string{"s", "r3"} {
		rev, ok := c.replicas[id].store.Latest("k6")
		require.True(t, ok, id)
		assert.Equal(t, clock.Version(2), rev.Version, id)
	}
	assert.Equal(t, 0, c.replicas["s"].clocks.InFlight())
}

func bufferedVotes(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.early)
}

func TestCoordinator_UndeliveredVotesExpire(t *testing.T) {
	c := newCluster(t, testRoster, Options{VoteTimeout: 50 * time.Millisecond})
	coord := c.replicas["r1"].coord

	h := uuid.New()
	coord.HandleVote(transport.Vote{Handler: h, Group: "B", Replica: "r3", Commit: true})
	coord.HandleVote(transport.Vote{Handler: h, Group: "C", Replica: "r4", Commit: true})
	assert.Equal(t, 1, bufferedVotes(coord))

	require.Eventually(t, func() bool {
		return bufferedVotes(coord) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, coord.Pending())
}
