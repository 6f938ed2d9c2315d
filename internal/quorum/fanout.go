package quorum

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPerReplicaTimeout is the default timeout for each replica send.
	DefaultPerReplicaTimeout = 2 * time.Second
)

// FanoutResult represents the result of a fan-out.
type FanoutResult struct {
	Delivered    int
	Replicas     int
	Failed       []string
	ErrorMessage string
}

// Success reports whether every replica acknowledged.
func (r FanoutResult) Success() bool {
	return r.Replicas > 0 && r.Delivered == r.Replicas
}

// ReplicaSendFunc sends to a single replica.
type ReplicaSendFunc func(ctx context.Context, replicaID string) error

// Fanout sends to all replicas in parallel and waits for every send to
// finish or for ctx to be done. Each send is bounded by perReplica.
func Fanout(ctx context.Context, replicas []string, perReplica time.Duration, sendFn ReplicaSendFunc) FanoutResult {
	if len(replicas) == 0 {
		return FanoutResult{ErrorMessage: "no replicas provided"}
	}
	if perReplica <= 0 {
		perReplica = DefaultPerReplicaTimeout
	}

	var (
		mu        sync.Mutex
		delivered int
		failed    []string
		errs      []error
		wg        sync.WaitGroup
	)

	replicaCtx, cancel := context.WithTimeout(ctx, perReplica)
	defer cancel()

	for _, replicaID := range replicas {
		wg.Add(1)
		go func(rid string) {
			defer wg.Done()

			err := sendFn(replicaCtx, rid)
			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				delivered++
			} else {
				failed = append(failed, rid)
				errs = append(errs, fmt.Errorf("replica %s: %w", rid, err))
			}
		}(replicaID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return FanoutResult{
			Delivered:    delivered,
			Replicas:     len(replicas),
			Failed:       append([]string(nil), failed...),
			ErrorMessage: fmt.Sprintf("context cancelled: %v", ctx.Err()),
		}
	}

	mu.Lock()
	defer mu.Unlock()

	result := FanoutResult{
		Delivered: delivered,
		Replicas:  len(replicas),
		Failed:    failed,
	}
	if len(errs) > 0 {
		result.ErrorMessage = fmt.Sprintf("delivered=%d replicas=%d errors=%v", delivered, len(replicas), errs[:min(3, len(errs))])
	}
	return result
}
