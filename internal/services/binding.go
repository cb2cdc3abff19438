package services

import (
	"context"
	"time"

	"netgrant/internal/lease"
)

// A grant and a revoke for the same client must not interleave on the device:
// a revoke landing after a newer grant would leave a paying client without
// access. Both sides hold the binding lease for their whole device-plus-store
// step.
const (
	bindingLeaseTTL    = time.Minute
	defaultBindingWait = 5 * time.Second
	bindingPoll        = 25 * time.Millisecond
)

func bindingLease(key string) string { return "binding:" + key }

// lockBinding takes the binding lease for key, polling for up to wait. A nil
// locker always succeeds. ok=false with a nil error means the lease stayed busy.
func lockBinding(ctx context.Context, l lease.Locker, key string, wait time.Duration) (func(), bool, error) {
	if l == nil {
		return func() {}, true, nil
	}
	deadline := time.Now().Add(wait)
	for {
		release, ok, err := l.Acquire(ctx, bindingLease(key), bindingLeaseTTL)
		if err != nil || ok {
			return release, ok, err
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(bindingPoll):
		}
	}
}
