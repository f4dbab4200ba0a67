// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Derived from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package storage

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// bandwidthLimiter doles out a budget of bytes that may be transferred
// each second. A nil *bandwidthLimiter imposes no limit.
type bandwidthLimiter struct {
	bytesPerSecond int
	// Number of bytes that we are currently allowed to transfer. It's
	// reduced by rateLimitedReader.Read() and periodically increased by
	// the goroutine launched in start().
	available int
	started   bool
	mu        sync.Mutex
	cond      *sync.Cond
}

// Returns a limiter for the given rate; zero means unlimited, in which
// case nil is returned.
func newBandwidthLimiter(bytesPerSecond int) *bandwidthLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	l := &bandwidthLimiter{bytesPerSecond: bytesPerSecond}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Launches the goroutine that releases bandwidth; it's only started once
// something is actually transferred. Must be called with l.mu held.
func (l *bandwidthLimiter) start() {
	if l.started {
		return
	}
	l.started = true

	// 1/8th of a second
	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		for range ticker.C {
			l.mu.Lock()

			// Release 1/8th of the per-second limit every 8th of a second.
			// The 94/100 factor in the amount released adds some slop to
			// account for TCP/IP overhead and HTTP headers in an effort to
			// have the actual bandwidth used not exceed the desired limit.
			l.available += l.bytesPerSecond * 94 / 100 / 8
			// Don't ever queue up more than one second's worth of
			// transmission.
			l.available = min(l.available, l.bytesPerSecond)

			// Wake up any readers that are waiting for more bandwidth now
			// that we've doled some more out.
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
}

// Reader returns an io.Reader that passes through the contents of r no
// faster than the limiter allows.
func (l *bandwidthLimiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return rateLimitedReader{R: r, l: l}
}

type rateLimitedReader struct {
	R io.Reader
	l *bandwidthLimiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l

	// Loop until some amount of bandwidth is available.
	l.mu.Lock()
	l.start()
	for l.available <= 0 {
		// Wait for the goroutine that periodically doles out more
		// bandwidth to do its thing, at which point it will signal the
		// condition variable.
		l.cond.Wait()
	}

	// Don't return more than we're allowed to.
	n := min(len(dst), l.available)
	l.available -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// Give back the bandwidth that we reserved but didn't use.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}

	return read, err
}
