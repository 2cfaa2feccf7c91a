// Package cmn provides common low-level types and utilities shared by every
// readout package: a broadcast stop channel and assertions.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "sync"

// StopCh is a once-closable broadcast channel: Close() is idempotent and
// every goroutine holding Listen()'s result observes the close exactly once.
// Used throughout the readout core in place of a raw `chan struct{}` so that
// callers never double-close (transport.Stream, procpipe workers, the
// cleanup/watcher/timesync threads all share this pattern).
type StopCh struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

func (s *StopCh) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func (s *StopCh) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
