// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// mockTransport records writes and serves queued bytes to Read
type mockTransport struct {
	mu         sync.Mutex
	in         []byte
	writes     [][]byte
	readErr    error
	writeErr   error
	shortWrite bool
	rate       int
	closed     bool
}

func (m *mockTransport) feed(data ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range data {
		m.in = append(m.in, d...)
	}
}

func (m *mockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.in) == 0 {
		return 0, m.readErr
	}
	n := copy(p, m.in)
	m.in = m.in[n:]
	return n, nil
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.shortWrite {
		return len(p) - 1, nil
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *mockTransport) WaitForReadyRead(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		ready := len(m.in) > 0 || m.readErr != nil
		m.mu.Unlock()
		if ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *mockTransport) Rate() int { return m.rate }

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// takeWrites returns and clears the recorded writes
func (m *mockTransport) takeWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.writes
	m.writes = nil
	return w
}

// recorder is a Handler that logs every event as a string
type recorder struct {
	events []string
	data   map[int][]byte
	tests  [][]byte
}

func newRecorder() *recorder {
	return &recorder{data: make(map[int][]byte)}
}

func (r *recorder) OnOpen(channel int)  { r.events = append(r.events, fmt.Sprintf("open %d", channel)) }
func (r *recorder) OnClose(channel int) { r.events = append(r.events, fmt.Sprintf("close %d", channel)) }
func (r *recorder) OnTerminate()        { r.events = append(r.events, "terminate") }

func (r *recorder) OnData(channel int, data []byte) {
	r.data[channel] = append(r.data[channel], data...)
}

func (r *recorder) OnStatus(channel int, status, changed byte) {
	r.events = append(r.events, fmt.Sprintf("status %d 0x%02X 0x%02X", channel, status, changed))
}

func (r *recorder) OnTestResponse(pattern []byte) {
	r.tests = append(r.tests, append([]byte(nil), pattern...))
}

func (r *recorder) take() []string {
	e := r.events
	r.events = nil
	return e
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContext(t *testing.T, cfg Config) (*Context, *mockTransport, *recorder) {
	t.Helper()
	tr := &mockTransport{}
	rec := newRecorder()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	return NewContext(tr, rec, cfg), tr, rec
}

// encode builds the wire form of a frame, failing the test on error
func encode(t *testing.T, mode gsm0710.Mode, channel int, ft gsm0710.FrameType, payload []byte) []byte {
	t.Helper()
	data, err := gsm0710.EncodeFrame(mode, gsm0710.NewFrame(channel, ft, payload))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return data
}

func encodeCommand(t *testing.T, cmd *gsm0710.Command) []byte {
	t.Helper()
	data, err := gsm0710.EncodeFrame(gsm0710.ModeBasic, cmd.Frame())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return data
}

func expectWrites(t *testing.T, tr *mockTransport, want ...[]byte) {
	t.Helper()
	got := tr.takeWrites()
	if len(got) != len(want) {
		t.Fatalf("expected %d writes, got %d: %s", len(want), len(got), formatWrites(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("write %d: got % X, expected % X", i, got[i], want[i])
		}
	}
}

func expectEvents(t *testing.T, rec *recorder, want ...string) {
	t.Helper()
	got := rec.take()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, expected %q", i, got[i], want[i])
		}
	}
}

func formatWrites(writes [][]byte) string {
	var b bytes.Buffer
	for _, w := range writes {
		fmt.Fprintf(&b, "[% X] ", w)
	}
	return b.String()
}
