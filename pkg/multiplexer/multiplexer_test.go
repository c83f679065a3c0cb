// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// listenerLog records Listener calls
type listenerLog struct {
	mu     sync.Mutex
	events []string
}

func (l *listenerLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *listenerLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.events
	l.events = nil
	return e
}

func (l *listenerLog) listener() Listener {
	return ListenerFuncs{
		OnOpened:     func(ch int, c *Channel) { l.add("opened %d", ch) },
		OnClosed:     func(ch int, c *Channel) { l.add("closed %d", ch) },
		OnTerminated: func() { l.add("terminated") },
	}
}

// newTestMux returns a started client multiplexer with an established
// control channel
func newTestMux(t *testing.T, cfg Config) (*Multiplexer, *mockTransport, *listenerLog) {
	t.Helper()
	tr := &mockTransport{}
	log := &listenerLog{}
	cfg.Listener = log.listener()
	cfg.Logger = discardLogger()

	m := New(tr, cfg)
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if !cfg.Server {
		tr.feed(uaControl)
		m.ReadyRead()
	}
	tr.takeWrites()
	return m, tr, log
}

func expectListener(t *testing.T, log *listenerLog, want ...string) {
	t.Helper()
	got := log.take()
	if len(got) != len(want) {
		t.Fatalf("expected listener events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("listener event %d: got %q, expected %q", i, got[i], want[i])
		}
	}
}

// ============================================================
// Channel Naming Tests
// ============================================================

func TestDefaultChannelNumber(t *testing.T) {
	tests := map[string]int{
		"primary":   1,
		"secondary": 2,
		"data":      3,
		"datasetup": 3,
		"aux":       4,
		"aux1":      4,
		"auxgps":    4,
		"gps":       -1,
		"":          -1,
	}
	for name, expected := range tests {
		if got := DefaultChannelNumber(name); got != expected {
			t.Errorf("DefaultChannelNumber(%q): expected %d, got %d", name, expected, got)
		}
	}
}

func TestChannel_ByName(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})

	c, err := m.Channel("primary")
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	if c.Number() != 1 {
		t.Errorf("expected channel 1, got %d", c.Number())
	}
	expectWrites(t, tr, sabmCh1)

	again, _ := m.Channel("primary")
	if again != c {
		t.Error("Channel should return the same device")
	}
	expectWrites(t, tr)

	if _, err := m.Channel("gps"); !errors.Is(err, ErrUnknownChannelName) {
		t.Errorf("expected ErrUnknownChannelName, got %v", err)
	}
}

func TestChannel_CustomNaming(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{
		ChannelNumber: func(name string) int {
			if name == "gps" {
				return 7
			}
			return -1
		},
	})

	c, err := m.Channel("gps")
	if err != nil || c.Number() != 7 {
		t.Fatalf("Channel(gps): c=%v err=%v", c, err)
	}
	if m.ChannelNumber("primary") != -1 {
		t.Error("custom naming should replace the defaults")
	}
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 7, gsm0710.TypeSABM, nil))
}

// ============================================================
// Channel Lifecycle Tests
// ============================================================

func TestChannel_OpenedOnAcknowledge(t *testing.T) {
	m, tr, log := newTestMux(t, Config{})

	c, _ := m.ChannelByNumber(1)
	if !c.IsOpen() || c.IsEstablished() {
		t.Errorf("before UA: open=%v established=%v", c.IsOpen(), c.IsEstablished())
	}

	tr.feed(uaCh1)
	m.ReadyRead()

	if !c.IsEstablished() {
		t.Error("channel should be established after UA")
	}
	expectListener(t, log, "opened 1")
}

func TestChannel_CloseAndReopen(t *testing.T) {
	m, tr, log := newTestMux(t, Config{})

	c, _ := m.ChannelByNumber(1)
	tr.feed(uaCh1)
	m.ReadyRead()
	tr.takeWrites()
	log.take()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil))

	if _, err := c.Read(make([]byte, 8)); err != io.EOF {
		t.Errorf("Read after Close: expected io.EOF, got %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("Write after Close: expected ErrChannelNotOpen, got %v", err)
	}

	tr.feed(uaCh1)
	m.ReadyRead()
	expectListener(t, log, "closed 1")

	if err := c.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	expectWrites(t, tr, sabmCh1)
}

func TestChannel_ReopenBeforeCloseAck(t *testing.T) {
	m, tr, log := newTestMux(t, Config{})

	c, _ := m.ChannelByNumber(1)
	tr.feed(uaCh1)
	m.ReadyRead()
	tr.takeWrites()
	log.take()

	c.Close()
	if err := c.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil), sabmCh1)

	tr.feed(uaCh1)
	m.ReadyRead()
	expectListener(t, log)
	if c.IsEstablished() {
		t.Error("UA for the DISC should not establish the reopened channel")
	}

	tr.feed(uaCh1)
	m.ReadyRead()
	expectListener(t, log, "opened 1")
	if !c.IsEstablished() {
		t.Error("channel should be established after the second UA")
	}
}

func TestChannel_PeerOpened(t *testing.T) {
	var opened *Channel
	tr := &mockTransport{}
	m := New(tr, Config{
		Server: true,
		Logger: discardLogger(),
		Listener: ListenerFuncs{
			OnOpened: func(ch int, c *Channel) { opened = c },
		},
	})
	m.Startup(context.Background())

	tr.feed(sabmControl, sabmCh2)
	m.ReadyRead()
	expectWrites(t, tr, uaControl, uaCh2)

	if opened == nil || opened.Number() != 2 {
		t.Fatalf("expected channel 2 opened, got %v", opened)
	}
	if !opened.IsOpen() || !opened.IsEstablished() {
		t.Error("peer-opened channel should be open and established")
	}

	got, _ := m.ChannelByNumber(2)
	if got != opened {
		t.Error("ChannelByNumber should return the peer-opened device")
	}
}

func TestChannel_ListenerMayCallBack(t *testing.T) {
	tr := &mockTransport{}
	var channels []int
	var m *Multiplexer
	m = New(tr, Config{
		Logger: discardLogger(),
		Listener: ListenerFuncs{
			OnOpened: func(ch int, c *Channel) {
				channels = m.Channels()
				c.Write([]byte("hello"))
			},
		},
	})
	m.Startup(context.Background())

	m.ChannelByNumber(3)
	tr.takeWrites()
	tr.feed(uaCh3)
	m.ReadyRead()

	if len(channels) != 1 || channels[0] != 3 {
		t.Errorf("expected [3], got %v", channels)
	}
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 3, gsm0710.TypeUIH, []byte("hello")))
}

// ============================================================
// Data Tests
// ============================================================

func TestChannel_ReadBuffered(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(2)

	ready := 0
	c.OnReadyRead(func() { ready++ })

	tr.feed(uaCh2,
		encode(t, gsm0710.ModeBasic, 2, gsm0710.TypeUIH, []byte("OK\r\n")),
		encode(t, gsm0710.ModeBasic, 2, gsm0710.TypeUIH, []byte("RING\r\n")),
	)
	m.ReadyRead()

	if ready != 2 {
		t.Errorf("expected 2 ready-read calls, got %d", ready)
	}
	if c.BytesAvailable() != 10 {
		t.Errorf("expected 10 bytes available, got %d", c.BytesAvailable())
	}

	buf := make([]byte, 4)
	n, _ := c.Read(buf)
	if string(buf[:n]) != "OK\r\n" {
		t.Errorf("expected %q, got %q", "OK\r\n", buf[:n])
	}

	c.Discard()
	if n, err := c.Read(buf); n != 0 || err != nil {
		t.Errorf("empty read: n=%d err=%v", n, err)
	}
}

func TestChannel_WriteFragments(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{FrameSize: 10})
	c, _ := m.ChannelByNumber(1)
	tr.feed(uaCh1)
	m.ReadyRead()
	tr.takeWrites()

	n, err := c.Write([]byte("AT+CGDCONT=1"))
	if err != nil || n != 12 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	expectWrites(t, tr,
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("AT+CGDCONT")),
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("=1")),
	)
}

func TestChannel_WaitForReadyReadDrivesTransport(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(1)

	ready := 0
	c.OnReadyRead(func() { ready++ })

	tr.feed(uaCh1, encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("data")))

	if !c.WaitForReadyRead(time.Second) {
		t.Fatal("WaitForReadyRead should report data")
	}
	if ready != 0 {
		t.Error("OnReadyRead should be suppressed while waiting")
	}
	if c.BytesAvailable() != 4 {
		t.Errorf("expected 4 bytes, got %d", c.BytesAvailable())
	}
}

func TestChannel_WaitForReadyReadTimeout(t *testing.T) {
	m, _, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(1)

	start := time.Now()
	if c.WaitForReadyRead(20 * time.Millisecond) {
		t.Error("WaitForReadyRead should time out")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("WaitForReadyRead returned early")
	}
}

func TestChannel_DataDroppedWhenClosed(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(1)
	tr.feed(uaCh1)
	m.ReadyRead()

	c.Close()
	tr.feed(encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("late")))
	m.ReadyRead()

	if c.BytesAvailable() != 0 {
		t.Error("data for a closed channel should be dropped")
	}
}

// ============================================================
// Modem Signal Tests
// ============================================================

func TestChannel_IncomingSignals(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(1)
	expectWrites(t, tr, sabmCh1)

	var changes []string
	c.OnSignalChange(func(signal byte, on bool) {
		changes = append(changes, fmt.Sprintf("%s=%v", gsm0710.FormatSignals(signal), on))
	})

	if !c.DSR() || !c.CTS() || c.Carrier() {
		t.Errorf("default signals: dsr=%v cts=%v dcd=%v", c.DSR(), c.CTS(), c.Carrier())
	}

	tr.feed(uaCh1, mscCh1)
	m.ReadyRead()

	if !c.Carrier() {
		t.Error("carrier should be set after MSC")
	}
	if len(changes) != 1 || changes[0] != "DV=true" {
		t.Errorf("expected [DV=true], got %v", changes)
	}
	expectWrites(t, tr, mscCh1OK)
}

func TestChannel_OutgoingSignals(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	c, _ := m.ChannelByNumber(1)
	tr.feed(uaCh1)
	m.ReadyRead()
	tr.takeWrites()

	if !c.DTR() || !c.RTS() {
		t.Error("DTR and RTS should default on")
	}

	// Dropping RTS asserts flow control
	if err := c.SetRTS(false); err != nil {
		t.Fatalf("SetRTS failed: %v", err)
	}
	expectWrites(t, tr, encodeCommand(t, gsm0710.NewModemStatus(1, 0x87)))
	if c.RTS() {
		t.Error("RTS should be off")
	}

	c.SetRTS(false)
	expectWrites(t, tr)

	c.SetDTR(false)
	expectWrites(t, tr, encodeCommand(t, gsm0710.NewModemStatus(1, 0x83)))
}

// ============================================================
// Termination Tests
// ============================================================

func TestTerminate_NotifiesListener(t *testing.T) {
	m, tr, log := newTestMux(t, Config{})
	c1, _ := m.ChannelByNumber(1)
	m.ChannelByNumber(2)
	tr.feed(uaCh1, uaCh2)
	m.ReadyRead()
	log.take()

	tr.feed(encode(t, gsm0710.ModeBasic, 0, gsm0710.TypeDISC, nil))
	m.ReadyRead()

	expectListener(t, log, "closed 1", "closed 2", "terminated")
	if !m.Terminated() {
		t.Error("multiplexer should be terminated")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done should be closed")
	}

	if _, err := c1.Write([]byte("x")); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if _, err := c1.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if _, err := m.ChannelByNumber(3); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
}

func TestTerminate_TransportLostStopsServe(t *testing.T) {
	m, tr, log := newTestMux(t, Config{})

	tr.mu.Lock()
	tr.readErr = io.EOF
	tr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Serve(ctx)
	if !errors.Is(err, ErrTransportLost) {
		t.Fatalf("expected ErrTransportLost, got %v", err)
	}
	expectListener(t, log, "terminated")
}

func TestServe_StopsOnCancel(t *testing.T) {
	m, _, _ := newTestMux(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// ============================================================
// Close Tests
// ============================================================

func TestClose_ReleasesChannelsAndShutsDown(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})
	m.ChannelByNumber(3)
	m.ChannelByNumber(1)
	tr.takeWrites()

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectWrites(t, tr,
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil),
		encode(t, gsm0710.ModeBasic, 3, gsm0710.TypeDISC, nil),
		closeDown,
	)
	if !tr.closed {
		t.Error("client should close the transport")
	}

	m.Close()
	expectWrites(t, tr)
}

func TestClose_ServerKeepsTransport(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{Server: true})

	m.Close()
	expectWrites(t, tr)
	if tr.closed {
		t.Error("server should not close the transport")
	}
}

func TestClose_ServerIgnoresLaterFrames(t *testing.T) {
	m, tr, log := newTestMux(t, Config{Server: true})
	tr.feed(sabmControl, sabmCh1)
	m.ReadyRead()
	tr.takeWrites()
	expectListener(t, log, "opened 1")

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tr.feed(encode(t, gsm0710.ModeBasic, 5, gsm0710.TypeSABM, nil))
	if err := m.ReadyRead(); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated after Close, got %v", err)
	}
	expectWrites(t, tr)
	expectListener(t, log)
	if channels := m.Channels(); len(channels) != 0 {
		t.Errorf("expected no channels after Close, got %v", channels)
	}
	if _, err := m.Ping(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated from Ping, got %v", err)
	}
}

func TestClose_StopsServe(t *testing.T) {
	m, _, _ := newTestMux(t, Config{Server: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- m.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("expected Serve to return nil after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve still running after Close")
	}
}

func TestStats_CountsFrames(t *testing.T) {
	m, tr, _ := newTestMux(t, Config{})

	tr.feed([]byte{0xF9, 0x07, 0x73, 0x01, 0x16, 0xF9})
	m.ReadyRead()

	s := m.Stats()
	if s.TotalFrames != 2 || s.FCSErrors != 1 {
		t.Errorf("expected 2 frames with 1 FCS error, got total=%d fcs=%d", s.TotalFrames, s.FCSErrors)
	}
	if m.LinkID() == "" {
		t.Error("link ID should be set")
	}
}
