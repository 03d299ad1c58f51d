// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package log provides the small, context-tagged logging surface used
// throughout ddqueue. Every call takes a context.Context first so that
// tags attached with logtags.WithTags render automatically, and message
// arguments flow through redact.Sprintf so sensitive values can be
// elided from a redacted log stream.
package log

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity mirrors the handful of levels the teacher's logging package
// exposes; ddqueue never needs the full severity lattice.
type Severity int

const (
	SevInfo Severity = iota
	SevWarning
	SevError
)

func (s Severity) String() string {
	switch s {
	case SevWarning:
		return "WARN"
	case SevError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func output(ctx context.Context, sev Severity, format string, args ...interface{}) {
	msg := redact.Sprintf(format, args...)
	tags := logtags.FromContext(ctx)
	if tags != nil && len(tags.Get()) > 0 {
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", sev, tags, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", sev, msg)
}

// Infof logs at SevInfo.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SevInfo, format, args...)
}

// Warningf logs at SevWarning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SevWarning, format, args...)
}

// Errorf logs at SevError.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, SevError, format, args...)
}

// VEventf is a verbosity-gated trace-adjacent log line. ddqueue uses it
// for per-relocation chatter that would otherwise drown out the steady
// state; verbosity thresholds are not wired to a flag in this module,
// so it logs at SevInfo for level <= 2 and drops calls above that.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if level > 2 {
		return
	}
	output(ctx, SevInfo, format, args...)
}

// EveryN rate-limits a recurring log line to at most once per period,
// adapted from the teacher's util/log/every_n.go.
type EveryN struct {
	period   time.Duration
	lastNano atomic.Int64
}

// Every constructs a limiter firing at most once per d.
func Every(d time.Duration) *EveryN {
	return &EveryN{period: d}
}

// ShouldLog reports whether the caller should emit its log line now,
// and if so records that it did.
func (e *EveryN) ShouldLog() bool {
	now := time.Now().UnixNano()
	last := e.lastNano.Load()
	if now-last < e.period.Nanoseconds() {
		return false
	}
	return e.lastNano.CompareAndSwap(last, now)
}
