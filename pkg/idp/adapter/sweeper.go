// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"sync"
	"time"
)

// sweeper runs a cleanup function periodically until stopped.
type sweeper struct {
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// startSweeper runs sweep every interval. A non-positive interval starts
// nothing and returns nil.
func startSweeper(interval time.Duration, sweep func()) *sweeper {
	if interval <= 0 {
		return nil
	}
	s := &sweeper{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
	return s
}

// stop stops the sweeper and waits for a running sweep to finish.
func (s *sweeper) stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}
