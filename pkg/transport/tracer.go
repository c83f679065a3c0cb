// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// Device is a non-blocking byte link, the shape every transport here has
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	WaitForReadyRead(timeout time.Duration) bool
	Rate() int
}

// Tracer records all traffic through a Device as a CBOR trace
type Tracer struct {
	dev Device

	mu  sync.Mutex
	out *gsm0710.TraceWriter
	err error
}

// NewTracer wraps dev, writing trace records to w
func NewTracer(dev Device, w io.Writer) *Tracer {
	return &Tracer{dev: dev, out: gsm0710.NewTraceWriter(w)}
}

func (t *Tracer) Read(p []byte) (int, error) {
	n, err := t.dev.Read(p)
	if n > 0 {
		t.record(gsm0710.DirectionRx, p[:n])
	}
	return n, err
}

func (t *Tracer) Write(p []byte) (int, error) {
	n, err := t.dev.Write(p)
	if n > 0 {
		t.record(gsm0710.DirectionTx, p[:n])
	}
	return n, err
}

func (t *Tracer) WaitForReadyRead(timeout time.Duration) bool {
	return t.dev.WaitForReadyRead(timeout)
}

func (t *Tracer) Rate() int {
	return t.dev.Rate()
}

// Close closes the wrapped device if it is an io.Closer
func (t *Tracer) Close() error {
	if c, ok := t.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the first trace write error. Tracing stops after an error;
// traffic is unaffected.
func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracer) record(dir gsm0710.Direction, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = t.out.Write(dir, data)
}
