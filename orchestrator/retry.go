// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/taskforge/structs"
)

// retryTracker computes the jittered delay before a retry attempt. The
// un-jittered backoff curve lives on the policy itself; the tracker only
// spreads simultaneous retries apart.
type retryTracker struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func newRetryTracker(seed int64) *retryTracker {
	return &retryTracker{rand: rand.New(rand.NewSource(seed))}
}

// delayFor returns the delay before the given attempt, with uniform jitter
// of +/- policy.Jitter applied.
func (r *retryTracker) delayFor(policy *structs.RetryPolicy, attempt int) time.Duration {
	base := policy.DelayBeforeAttempt(attempt)
	if base <= 0 || policy.Jitter <= 0 {
		return base
	}

	r.mu.Lock()
	f := r.rand.Float64()
	r.mu.Unlock()

	// f in [0,1) maps onto a scale factor in [1-jitter, 1+jitter).
	scale := 1 + policy.Jitter*(2*f-1)
	d := time.Duration(float64(base) * scale)
	if d < 0 {
		d = 0
	}
	return d
}
