package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeeperStopped is returned by Keeper.Err after Stop or Release.
var ErrKeeperStopped = errors.New("handd: keeper stopped")

// Keeper renews a lease on an interval until it is stopped, its context ends
// or the server reports that the lease is gone.
type Keeper struct {
	client   *Client
	lease    Lease
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	renewals int
	lastBeat time.Time
}

// KeepAlive starts renewing lease every interval. Transport and server
// errors other than a lost lease are logged and retried on the next tick.
func (c *Client) KeepAlive(ctx context.Context, lease *Lease, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	k := &Keeper{
		client:   c,
		lease:    *lease,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go k.run(runCtx)
	return k
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	logger := k.client.logger.With("key", k.lease.Key)
	for {
		select {
		case <-ctx.Done():
			k.finish(ErrKeeperStopped)
			return
		case <-ticker.C:
		}
		resp, err := k.client.Renew(ctx, k.lease.Key, k.lease.Token)
		if err != nil {
			if IsLeaseLost(err) {
				logger.Warn("client.keeper.lease_lost", "error", err)
				k.finish(err)
				return
			}
			if ctx.Err() != nil {
				k.finish(ErrKeeperStopped)
				return
			}
			logger.Debug("client.keeper.renew_failed", "error", err)
			continue
		}
		k.mu.Lock()
		k.renewals++
		if resp.HeartbeatUnixMilli > 0 {
			k.lastBeat = time.UnixMilli(resp.HeartbeatUnixMilli).UTC()
		}
		k.mu.Unlock()
	}
}

func (k *Keeper) finish(err error) {
	k.mu.Lock()
	if k.err == nil {
		k.err = err
	}
	k.mu.Unlock()
}

// Done closes once the keeper has stopped renewing.
func (k *Keeper) Done() <-chan struct{} { return k.done }

// Err reports why the keeper stopped; nil while it is running.
func (k *Keeper) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Renewals returns the number of successful renewals and the last
// heartbeat the server stored.
func (k *Keeper) Renewals() (int, time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.renewals, k.lastBeat
}

// Stop halts renewals without releasing the slot and waits for the loop to
// exit.
func (k *Keeper) Stop() {
	k.cancel()
	<-k.done
}

// Release stops renewals and frees the slot. A lease that was already lost
// is not released again.
func (k *Keeper) Release(ctx context.Context) error {
	k.Stop()
	if err := k.Err(); err != nil && !errors.Is(err, ErrKeeperStopped) {
		return err
	}
	_, err := k.client.Release(ctx, k.lease.Key, k.lease.Token)
	return err
}
