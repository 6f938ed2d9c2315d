// Package it runs whole clusters of replicas in one process for end-to-end
// tests. Replicas talk through the in-process hub, which can duplicate
// deliveries, drop votes and disconnect replicas.
package it

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txstore/internal/config"
	"txstore/internal/membership"
	"txstore/internal/node"
	"txstore/internal/transport/local"
)

// Options describes a test cluster.
type Options struct {
	Groups    []config.GroupConfig
	Keyspaces []config.KeyspaceConfig
	// Mutate adjusts each replica's config after the defaults are applied.
	Mutate func(cfg *config.Config)
	Logger *zap.Logger
}

// Cluster represents a test cluster of replicas.
type Cluster struct {
	hub      *local.Hub
	mu       sync.Mutex
	replicas map[string]*node.Replica
}

// NewCluster starts one replica per member of opts.Groups.
func NewCluster(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	base := config.Default()
	base.Groups = opts.Groups
	base.Keyspaces = opts.Keyspaces
	base.Peers = nil
	base.Broadcast.Mode = config.BroadcastLocal
	base.HTTP.Listen = ""
	base.Termination.VoteTimeout = 2 * time.Second
	base.Store.RetryWait = 10 * time.Millisecond

	hubView, err := membership.NewStatic("hub", base.Roster())
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		hub:      local.NewHub(hubView, opts.Logger.Named("hub")),
		replicas: make(map[string]*node.Replica),
	}
	for _, id := range membership.AllReplicas(hubView) {
		cfg := base
		cfg.Replica = config.ReplicaConfig{ID: id}
		if opts.Mutate != nil {
			opts.Mutate(&cfg)
		}
		r, err := node.NewReplica(&cfg, opts.Logger, node.WithHub(c.hub))
		if err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "replica %s", id)
		}
		if err := r.Start(ctx); err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "start replica %s", id)
		}
		c.replicas[id] = r
	}
	return c, nil
}

// Hub returns the in-process transport.
func (c *Cluster) Hub() *local.Hub { return c.hub }

// Replica returns a replica by ID.
func (c *Cluster) Replica(id string) *node.Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicas[id]
}

// IDs returns the running replica IDs in sorted order.
func (c *Cluster) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.replicas))
	for id := range c.replicas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KillReplica disconnects a replica from the hub and stops it.
func (c *Cluster) KillReplica(id string) error {
	c.mu.Lock()
	r, ok := c.replicas[id]
	delete(c.replicas, id)
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("replica %s not found", id)
	}
	c.hub.Disconnect(id)
	return r.Stop()
}

// WaitIdle waits until no replica has an undecided transaction.
func (c *Cluster) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle := true
		for _, id := range c.IDs() {
			if c.Replica(id).Coordinator().Pending() > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for idle cluster")
		case <-ticker.C:
		}
	}
}

// Stop stops all replicas in the cluster.
func (c *Cluster) Stop() {
	c.mu.Lock()
	replicas := c.replicas
	c.replicas = make(map[string]*node.Replica)
	c.mu.Unlock()
	for _, r := range replicas {
		_ = r.Stop()
	}
	c.hub.Close()
}
