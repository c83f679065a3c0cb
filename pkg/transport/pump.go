// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport provides physical links for the multiplexer: serial
// ports, WebSocket bridges and in-memory pipes. Every transport reads in a
// background goroutine so Read never blocks.
package transport

import (
	"io"
	"sync"
	"time"
)

const pumpBufferSize = 4096

// pump moves bytes from a blocking reader into a buffer that can be
// drained without blocking
type pump struct {
	mu     sync.Mutex
	buf    []byte
	err    error
	notify chan struct{}
}

func startPump(r io.Reader) *pump {
	p := &pump{notify: make(chan struct{})}
	go p.run(r)
	return p
}

func (p *pump) run(r io.Reader) {
	chunk := make([]byte, pumpBufferSize)
	for {
		n, err := r.Read(chunk)

		p.mu.Lock()
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if err != nil {
			p.err = err
		}
		if n > 0 || err != nil {
			close(p.notify)
			p.notify = make(chan struct{})
		}
		p.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// Read copies buffered bytes into b. With nothing buffered it returns
// (0, nil), or the reader's error once it has failed.
func (p *pump) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return 0, p.err
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return n, nil
}

// WaitForReadyRead blocks until bytes are buffered, the reader fails or
// the timeout expires. A failed reader counts as ready so the caller sees
// the error on its next Read.
func (p *pump) WaitForReadyRead(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		ready := len(p.buf) > 0 || p.err != nil
		notify := p.notify
		p.mu.Unlock()

		if ready {
			return true
		}

		select {
		case <-notify:
		case <-timer.C:
			return false
		}
	}
}

// Buffered returns the number of bytes waiting
func (p *pump) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
