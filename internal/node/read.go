package node

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/membership"
	"txstore/internal/storage"
	"txstore/internal/transport"
)

// ServeRead answers a remote read of a locally owned key. A request pinned
// at a snapshot this replica has not reached yet waits for the missing
// deliveries, within the store's visibility retry bound.
func (r *Replica) ServeRead(ctx context.Context, req transport.ReadRequest) (transport.ReadReply, error) {
	if !r.part.IsLocal(req.Key) {
		return transport.ReadReply{}, &storage.OwnershipError{Key: req.Key}
	}
	obs := clock.NewObservation()
	if req.Snapshot != clock.NoSnapshot {
		if err := r.awaitDelivered(ctx, req.Key, req.Snapshot); err != nil {
			return transport.ReadReply{}, err
		}
		obs = clock.ObservationAt(req.Snapshot)
	}
	rev, found, err := r.store.Get(ctx, storage.ReadRequest{Key: req.Key, Observation: obs})
	if err != nil {
		return transport.ReadReply{}, err
	}
	return transport.ReadReply{
		Found:    found,
		Value:    rev.Value,
		Version:  rev.Version,
		Snapshot: obs.Snapshot(),
	}, nil
}

// awaitDelivered waits until the sequencer of key's group reached v.
func (r *Replica) awaitDelivered(ctx context.Context, key string, v clock.Version) error {
	model := r.clocks.ModelFor(key)
	if model == nil {
		return &storage.OwnershipError{Key: key}
	}
	seq := model.Sequencer()
	for attempt := 0; ; attempt++ {
		changed := seq.Changed()
		if seq.Last() >= v {
			return nil
		}
		if attempt >= r.cfg.Store.MaxVisibilityRetries {
			return errors.Wrapf(storage.ErrVisibilityRetriesExhausted, "snapshot %d not delivered", v)
		}
		timer := time.NewTimer(r.cfg.Store.RetryWait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// remoteRead reads key from a replica of its owner group. Replicas are
// tried in order, alive ones first; an ownership error stops the search
// since every replica of the group would answer the same.
func (r *Replica) remoteRead(ctx context.Context, group membership.Group, req transport.ReadRequest) (transport.ReadReply, error) {
	var lastErr error
	for _, replica := range r.readOrder(group) {
		reply, err := r.reader.RemoteRead(ctx, replica, req)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, storage.ErrNotOwned) || ctx.Err() != nil {
			return transport.ReadReply{}, err
		}
		r.logger.Debug("remote read failed, trying next replica",
			zap.String("key", req.Key), zap.String("to", replica), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Errorf("group %s has no replicas", group.Name)
	}
	return transport.ReadReply{}, errors.Wrapf(lastErr, "read %q from group %s", req.Key, group.Name)
}

func (r *Replica) readOrder(group membership.Group) []string {
	alive := make([]string, 0, len(group.Replicas))
	var dead []string
	for _, replica := range group.Replicas {
		if r.view.Alive(replica) {
			alive = append(alive, replica)
		} else {
			dead = append(dead, replica)
		}
	}
	return append(alive, dead...)
}
