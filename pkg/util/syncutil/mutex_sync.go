// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package syncutil

import "sync"

// A Mutex is a mutual exclusion lock. ddqueuetestutils embeds it in
// every fake collaborator's state struct, since those fakes are called
// concurrently by relocator/rebalancer goroutines outside ddqueue's
// single-owner dispatcher.
type Mutex struct {
	sync.Mutex
}
