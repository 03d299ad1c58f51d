// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package stop supplies the minimal cooperative task runtime ddqueue
// needs: a Stopper that tracks outstanding async tasks and lets every
// long-running loop (relocators, rebalancers, source resolution) learn
// about shutdown at its suspension points, matching the calling
// convention (RunAsyncTask, ShouldQuiesce) used elsewhere in the
// teacher's codebase. This package was reconstructed from that calling
// pattern; the teacher's own stop package was not present in the
// retrieved reference pack (see DESIGN.md).
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable is returned by RunAsyncTask once the Stopper has
// begun quiescing.
var ErrUnavailable = errors.New("stop: Stopper unavailable; not running task")

// Stopper tracks outstanding goroutines spawned via RunAsyncTask and
// provides a single cancellation signal all of them observe.
type Stopper struct {
	mu struct {
		sync.Mutex
		quiescing bool
	}
	wg     sync.WaitGroup
	quiesceCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a running Stopper derived from ctx.
func New(ctx context.Context) *Stopper {
	derived, cancel := context.WithCancel(ctx)
	return &Stopper{
		quiesceCh: make(chan struct{}),
		ctx:       derived,
		cancel:    cancel,
	}
}

// RunAsyncTask runs fn in a new goroutine, unless the Stopper is
// already quiescing; name is accepted but not used. It mirrors the teacher's
// stopper.RunAsyncTask(ctx, name, fn) shape used throughout its server
// startup code.
func (s *Stopper) RunAsyncTask(ctx context.Context, name string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
	return nil
}

// ShouldQuiesce returns a channel that is closed once the Stopper has
// begun shutting down; loops select on it at their suspension points.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiesceCh
}

// Context returns the Stopper's derived context, cancelled on Stop.
func (s *Stopper) Context() context.Context {
	return s.ctx
}

// Stop begins quiescing: ShouldQuiesce's channel closes, the derived
// context is cancelled, and Stop blocks until every outstanding
// RunAsyncTask goroutine has returned.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiesceCh)
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
