// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"io"
	"sync"
)

// PipeEnd is one side of an in-memory link
type PipeEnd struct {
	*pump
	w     *io.PipeWriter
	r     *io.PipeReader
	once  sync.Once
	speed int
}

// Pipe returns two connected transports. Bytes written to one are read
// from the other.
func Pipe() (*PipeEnd, *PipeEnd) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return newPipeEnd(ar, aw), newPipeEnd(br, bw)
}

func newPipeEnd(r *io.PipeReader, w *io.PipeWriter) *PipeEnd {
	return &PipeEnd{
		pump:  startPump(r),
		w:     w,
		r:     r,
		speed: 115200,
	}
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// Rate returns a nominal line speed
func (p *PipeEnd) Rate() int {
	return p.speed
}

// Close ends both directions; the peer reads io.EOF
func (p *PipeEnd) Close() error {
	p.once.Do(func() {
		p.w.Close()
		p.r.Close()
	})
	return nil
}
