// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

var (
	sabmControl = []byte{0xF9, 0x03, 0x3F, 0x01, 0x1C, 0xF9}
	sabmCh1     = []byte{0xF9, 0x07, 0x3F, 0x01, 0xDE, 0xF9}
	sabmCh2     = []byte{0xF9, 0x0B, 0x3F, 0x01, 0x59, 0xF9}
	sabmCh3     = []byte{0xF9, 0x0F, 0x3F, 0x01, 0x9B, 0xF9}
	sabmCh4     = []byte{0xF9, 0x13, 0x3F, 0x01, 0x96, 0xF9}
	uaControl   = []byte{0xF9, 0x03, 0x73, 0x01, 0xD7, 0xF9}
	uaCh1       = []byte{0xF9, 0x07, 0x73, 0x01, 0x15, 0xF9}
	uaCh2       = []byte{0xF9, 0x0B, 0x73, 0x01, 0x92, 0xF9}
	uaCh3       = []byte{0xF9, 0x0F, 0x73, 0x01, 0x50, 0xF9}
	dmCh1       = []byte{0xF9, 0x07, 0x1F, 0x01, 0xF4, 0xF9}
	closeDown   = []byte{0xF9, 0x03, 0xEF, 0x05, 0xC3, 0x01, 0xF2, 0xF9}
	closeDownOK = []byte{0xF9, 0x03, 0xEF, 0x05, 0xC1, 0x01, 0xF2, 0xF9}
	mscCh1      = []byte{0xF9, 0x03, 0xEF, 0x09, 0xE3, 0x05, 0x07, 0x8D, 0xFB, 0xF9}
	mscCh1OK    = []byte{0xF9, 0x03, 0xEF, 0x09, 0xE1, 0x05, 0x07, 0x8D, 0xFB, 0xF9}
)

// openEstablished opens channels and feeds their acknowledgements
func openEstablished(t *testing.T, c *Context, tr *mockTransport, rec *recorder, channels ...int) {
	t.Helper()
	for _, ch := range channels {
		if err := c.OpenChannel(ch); err != nil {
			t.Fatalf("OpenChannel(%d) failed: %v", ch, err)
		}
		tr.feed(encode(t, gsm0710.ModeBasic, ch, gsm0710.TypeUA, nil))
	}
	if _, err := c.ReadyRead(); err != nil {
		t.Fatalf("ReadyRead failed: %v", err)
	}
	tr.takeWrites()
	rec.take()
}

// ============================================================
// Startup Tests
// ============================================================

func TestStartup_OpensControlChannel(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	if err := c.Startup(context.Background(), false); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	expectWrites(t, tr, sabmControl)

	if s := c.Table().Get(0).State; s != StateOpenRequested {
		t.Errorf("control channel state: expected open-requested, got %s", s)
	}
}

func TestStartup_ReopensChannelsInUse(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	c.Startup(context.Background(), false)
	for _, ch := range []int{1, 2, 4} {
		c.OpenChannel(ch)
	}
	tr.takeWrites()

	if err := c.Startup(context.Background(), false); err != nil {
		t.Fatalf("second Startup failed: %v", err)
	}
	expectWrites(t, tr, sabmControl, sabmCh1, sabmCh2, sabmCh4)
}

func TestStartup_ControlChannelEstablished(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	c.Startup(context.Background(), false)
	tr.feed(uaControl)
	c.ReadyRead()

	if s := c.Table().Get(0).State; s != StateOpen {
		t.Errorf("control channel state: expected open, got %s", s)
	}
	if len(rec.take()) != 0 {
		t.Error("control channel acknowledgement should not raise events")
	}
}

func TestStartup_ServerSendsNothing(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{Server: true})

	if err := c.Startup(context.Background(), true); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	expectWrites(t, tr)
}

func TestStartup_AdvancedMode(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{Mode: gsm0710.ModeAdvanced})

	c.Startup(context.Background(), false)
	expectWrites(t, tr, encode(t, gsm0710.ModeAdvanced, 0, gsm0710.TypeSABM, nil))
}

// ============================================================
// Negotiation Tests
// ============================================================

type fakeChatter struct {
	commands []string
	failures int
}

func (f *fakeChatter) Chat(command string) error {
	f.commands = append(f.commands, command)
	if len(f.commands) <= f.failures {
		return errors.New("ERROR")
	}
	return nil
}

func TestNegotiation_RetriesThenSucceeds(t *testing.T) {
	chat := &fakeChatter{failures: 2}
	c, tr, _ := newTestContext(t, Config{
		Chatter:            chat,
		NegotiationBackoff: time.Millisecond,
	})

	if err := c.Startup(context.Background(), true); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if len(chat.commands) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(chat.commands))
	}
	for _, cmd := range chat.commands {
		if cmd != "AT+CMUX=0,0,5,31" {
			t.Errorf("unexpected command %q", cmd)
		}
	}
	expectWrites(t, tr, sabmControl)
}

func TestNegotiation_Fails(t *testing.T) {
	chat := &fakeChatter{failures: 100}
	c, tr, _ := newTestContext(t, Config{
		Chatter:             chat,
		NegotiationAttempts: 2,
		NegotiationBackoff:  time.Millisecond,
	})

	err := c.Startup(context.Background(), true)
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
	if len(chat.commands) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(chat.commands))
	}
	expectWrites(t, tr)
}

func TestNegotiation_SkippedWithoutFlag(t *testing.T) {
	chat := &fakeChatter{}
	c, _, _ := newTestContext(t, Config{Chatter: chat})

	c.Startup(context.Background(), false)
	if len(chat.commands) != 0 {
		t.Errorf("expected no AT commands, got %v", chat.commands)
	}

	c.Reinit(context.Background())
	if len(chat.commands) != 1 {
		t.Errorf("Reinit should negotiate, got %v", chat.commands)
	}
}

func TestNegotiation_Cancelled(t *testing.T) {
	chat := &fakeChatter{failures: 100}
	c, _, _ := newTestContext(t, Config{
		Chatter:            chat,
		NegotiationBackoff: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Startup(ctx, true)
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
	if len(chat.commands) != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", len(chat.commands))
	}
}

func TestCMUXCommand(t *testing.T) {
	tests := []struct {
		mode     gsm0710.Mode
		rate     int
		size     int
		expected string
	}{
		{gsm0710.ModeBasic, 9600, 31, "AT+CMUX=0,0,1,31"},
		{gsm0710.ModeBasic, 19200, 256, "AT+CMUX=0,0,2,256"},
		{gsm0710.ModeBasic, 38400, 1024, "AT+CMUX=0,0,3,1024"},
		{gsm0710.ModeAdvanced, 57600, 31, "AT+CMUX=1,0,4,31"},
		{gsm0710.ModeAdvanced, 115200, 31, "AT+CMUX=1,0,5,31"},
		{gsm0710.ModeAdvanced, 230400, 31, "AT+CMUX=1,0,6,31"},
		{gsm0710.ModeBasic, 460800, 31, "AT+CMUX=0,0,5,31"},
		{gsm0710.ModeBasic, 4, 31, "AT+CMUX=0,0,5,31"},
	}

	for _, tt := range tests {
		if got := CMUXCommand(tt.mode, tt.rate, tt.size); got != tt.expected {
			t.Errorf("CMUXCommand(%s, %d, %d): expected %q, got %q", tt.mode, tt.rate, tt.size, tt.expected, got)
		}
	}
}

// ============================================================
// Channel Open/Close Tests
// ============================================================

func TestOpenChannel_InvalidNumbers(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	for _, ch := range []int{-1, 0, 64} {
		if err := c.OpenChannel(ch); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("OpenChannel(%d): expected ErrInvalidChannel, got %v", ch, err)
		}
	}
	expectWrites(t, tr)
}

func TestOpenChannel_Idempotent(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	c.OpenChannel(3)
	if !c.IsOpen(3) {
		t.Error("channel should be open right after OpenChannel")
	}
	c.OpenChannel(3)
	expectWrites(t, tr, sabmCh3)

	c.CloseChannel(3)
	if c.IsOpen(3) {
		t.Error("channel should be closed right after CloseChannel")
	}
	c.CloseChannel(3)
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 3, gsm0710.TypeDISC, nil))
}

func TestOpenChannel_Handshake(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	c.OpenChannel(1)
	expectWrites(t, tr, sabmCh1)
	expectEvents(t, rec)

	tr.feed(uaCh1)
	c.ReadyRead()
	expectEvents(t, rec, "open 1")
	if s := c.Table().Get(1).State; s != StateOpen {
		t.Errorf("expected open, got %s", s)
	}

	// A second acknowledgement is a violation and raises nothing
	tr.feed(uaCh1)
	c.ReadyRead()
	expectEvents(t, rec)
	expectWrites(t, tr)
}

func TestCloseChannel_Handshake(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 2)

	c.CloseChannel(2)
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 2, gsm0710.TypeDISC, nil))
	expectEvents(t, rec)

	tr.feed(uaCh2)
	c.ReadyRead()
	expectEvents(t, rec, "close 2")
	if c.Table().Get(2) != nil {
		t.Error("closed channel should be removed from the table")
	}
}

func TestCloseChannel_ReopenBeforeAck(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	c.CloseChannel(1)
	c.OpenChannel(1)
	expectWrites(t, tr, encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil), sabmCh1)

	// The first UA answers the DISC, not the new SABM
	tr.feed(uaCh1)
	c.ReadyRead()
	expectEvents(t, rec)
	if s := c.Table().Get(1).State; s != StateOpenRequested {
		t.Errorf("expected open-requested, got %s", s)
	}

	tr.feed(uaCh1)
	c.ReadyRead()
	expectEvents(t, rec, "open 1")
	if s := c.Table().Get(1).State; s != StateOpen {
		t.Errorf("expected open, got %s", s)
	}
	expectWrites(t, tr)
}

func TestOpenChannel_CloseBeforeAck(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	c.OpenChannel(1)
	c.CloseChannel(1)
	expectWrites(t, tr, sabmCh1, encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil))

	// The peer refuses the SABM, then confirms the DISC
	tr.feed(dmCh1)
	c.ReadyRead()
	expectEvents(t, rec)

	tr.feed(uaCh1)
	c.ReadyRead()
	expectEvents(t, rec, "close 1")
	if c.Table().Get(1) != nil {
		t.Error("closed channel should be removed from the table")
	}
}

func TestOpenChannel_RefusedByPeer(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	c.OpenChannel(1)
	tr.takeWrites()
	tr.feed(encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDM, nil))
	c.ReadyRead()

	expectEvents(t, rec, "close 1")
	if c.IsOpen(1) {
		t.Error("refused channel should not be open")
	}
}

func TestOpenChannel_Server(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{Server: true})

	if err := c.OpenChannel(5); err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if s := c.Table().Get(5).State; s != StateOpen {
		t.Errorf("server channel should open immediately, got %s", s)
	}
	c.CloseChannel(5)
	expectWrites(t, tr)
	expectEvents(t, rec)
}

// ============================================================
// Shutdown / Terminate Tests
// ============================================================

func TestShutdown_ClosesChannelsThenCloseDown(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	c.Startup(context.Background(), false)
	for ch := 1; ch <= 20; ch++ {
		c.OpenChannel(ch)
	}
	c.CloseChannel(13)
	tr.takeWrites()

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	var want [][]byte
	for ch := 1; ch <= 20; ch++ {
		if ch == 13 {
			continue
		}
		want = append(want, encode(t, gsm0710.ModeBasic, ch, gsm0710.TypeDISC, nil))
	}
	want = append(want, closeDown)
	expectWrites(t, tr, want...)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	expectWrites(t, tr, closeDown)
}

func TestTerminate_ClosesEveryChannelOnce(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1, 2)

	c.Terminate()
	expectEvents(t, rec, "close 1", "close 2", "terminate")

	c.Terminate()
	expectEvents(t, rec)

	if _, err := c.WriteData(1, []byte("x")); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	if err := c.OpenChannel(3); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	expectWrites(t, tr)
}

func TestTerminate_PeerDisconnectsControlChannel(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	tr.feed(encode(t, gsm0710.ModeBasic, 0, gsm0710.TypeDISC, nil))
	c.ReadyRead()

	expectWrites(t, tr, uaControl)
	expectEvents(t, rec, "close 1", "terminate")
	if !c.Terminated() {
		t.Error("context should be terminated")
	}
}

func TestTerminate_TransportLost(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	tr.readErr = io.ErrUnexpectedEOF
	_, err := c.ReadyRead()
	if !errors.Is(err, ErrTransportLost) {
		t.Fatalf("expected ErrTransportLost, got %v", err)
	}
	expectEvents(t, rec, "close 1", "terminate")
}

func TestTerminate_ShortWrite(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	tr.shortWrite = true
	err := c.OpenChannel(1)
	if !errors.Is(err, ErrTransportLost) {
		t.Fatalf("expected ErrTransportLost, got %v", err)
	}
	if !c.Terminated() {
		t.Error("short write should terminate the session")
	}
	expectEvents(t, rec, "close 1", "terminate")
}

// ============================================================
// Data Tests
// ============================================================

func TestWriteData_Fragments(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	data := make([]byte, 70)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := c.WriteData(1, data)
	if err != nil || n != 70 {
		t.Fatalf("WriteData: n=%d err=%v", n, err)
	}

	writes := tr.takeWrites()
	if len(writes) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(writes))
	}

	var got []byte
	for i, size := range []int{31, 31, 8} {
		frames, errs := gsm0710.NewDecoder(gsm0710.ModeBasic).Decode(writes[i])
		if len(errs) != 0 || len(frames) != 1 {
			t.Fatalf("frame %d: frames=%d errs=%v", i, len(frames), errs)
		}
		f := frames[0]
		if f.Channel != 1 || f.Type != gsm0710.TypeUIH || len(f.Payload) != size {
			t.Errorf("frame %d: channel=%d type=%s len=%d", i, f.Channel, gsm0710.FormatFrameType(f.Type), len(f.Payload))
		}
		got = append(got, f.Payload...)
	}
	if !bytes.Equal(got, data) {
		t.Error("reassembled data mismatch")
	}
}

func TestWriteData_FrameSizeBoundary(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	data := bytes.Repeat([]byte{'A'}, 32)
	c.WriteData(1, data)

	writes := tr.takeWrites()
	if len(writes) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(writes))
	}
	want := encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, data[:31])
	if !bytes.Equal(writes[0], want) {
		t.Errorf("first fragment: got % X, expected % X", writes[0], want)
	}
	if len(writes[0]) != 31+6 {
		t.Errorf("first fragment length: expected 37, got %d", len(writes[0]))
	}
}

func TestReadyRead_DropsFramesOverFrameSize(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{FrameSize: 10})
	openEstablished(t, c, tr, rec, 1)

	tr.feed(
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, bytes.Repeat([]byte{'x'}, 11)),
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, bytes.Repeat([]byte{'y'}, 10)),
	)
	c.ReadyRead()

	if got := string(rec.data[1]); got != "yyyyyyyyyy" {
		t.Errorf("expected only the frame within the frame size, got %q", got)
	}
	if n := c.Statistics().OversizedFrames; n != 1 {
		t.Errorf("expected 1 oversized frame, got %d", n)
	}
}

func TestWriteData_Errors(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	if _, err := c.WriteData(1, []byte("x")); !errors.Is(err, ErrChannelNotOpen) {
		t.Errorf("expected ErrChannelNotOpen, got %v", err)
	}
	if _, err := c.WriteData(0, []byte("x")); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
	expectWrites(t, tr)
}

func TestReadyRead_InterleavedChannels(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1, 2)

	tr.feed(
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("AT")),
		encode(t, gsm0710.ModeBasic, 2, gsm0710.TypeUIH, []byte("abc")),
		encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeUIH, []byte("+CSQ")),
	)
	c.ReadyRead()

	if got := string(rec.data[1]); got != "AT+CSQ" {
		t.Errorf("channel 1: expected %q, got %q", "AT+CSQ", got)
	}
	if got := string(rec.data[2]); got != "abc" {
		t.Errorf("channel 2: expected %q, got %q", "abc", got)
	}
}

func TestReadyRead_SplitAcrossReads(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 2)

	frame := []byte{0xF9, 0x0B, 0xEF, 0x07, 'x', 'y', 'z', 0x54, 0xF9}
	for _, b := range frame {
		tr.feed([]byte{b})
		c.ReadyRead()
	}
	if got := string(rec.data[2]); got != "xyz" {
		t.Errorf("expected %q, got %q", "xyz", got)
	}
}

func TestReadyRead_DataForClosedChannelDropped(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	tr.feed(encode(t, gsm0710.ModeBasic, 7, gsm0710.TypeUIH, []byte("lost")))
	c.ReadyRead()

	if len(rec.data) != 0 {
		t.Errorf("expected no data, got %v", rec.data)
	}
}

func TestReadyRead_ChecksumRejected(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 2)

	frame := []byte{0xF9, 0x0B, 0xEF, 0x07, 'x', 'y', 'z', 0x55, 0xF9}
	tr.feed(frame)
	c.ReadyRead()

	if len(rec.data[2]) != 0 {
		t.Error("frame with bad checksum should be dropped")
	}
	if c.Statistics().FCSErrors != 1 {
		t.Errorf("expected 1 FCS error, got %d", c.Statistics().FCSErrors)
	}

	// The stream resynchronises on the next frame
	tr.feed(encode(t, gsm0710.ModeBasic, 2, gsm0710.TypeUIH, []byte("ok")))
	c.ReadyRead()
	if got := string(rec.data[2]); got != "ok" {
		t.Errorf("expected %q after resync, got %q", "ok", got)
	}
}

// ============================================================
// Peer-initiated Frame Tests
// ============================================================

func TestPeer_OpensChannel(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{Server: true})

	tr.feed(sabmControl, sabmCh1)
	c.ReadyRead()

	expectWrites(t, tr, uaControl, uaCh1)
	expectEvents(t, rec, "open 1")

	// Repeated SABM is acknowledged without a second event
	tr.feed(sabmCh1)
	c.ReadyRead()
	expectWrites(t, tr, uaCh1)
	expectEvents(t, rec)
}

func TestPeer_ClosesChannel(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	tr.feed(encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil))
	c.ReadyRead()

	expectWrites(t, tr, uaCh1)
	expectEvents(t, rec, "close 1")
}

func TestPeer_DisconnectUnknownChannel(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	tr.feed(encode(t, gsm0710.ModeBasic, 1, gsm0710.TypeDISC, nil))
	c.ReadyRead()

	expectWrites(t, tr, dmCh1)
	expectEvents(t, rec)
}

// ============================================================
// Control Command Tests
// ============================================================

func TestCommand_ModemStatus(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	tr.feed(mscCh1)
	c.ReadyRead()

	expectWrites(t, tr, mscCh1OK)
	expectEvents(t, rec, "status 1 0x8C 0x80")

	// Same status again reports no change
	tr.feed(mscCh1)
	c.ReadyRead()
	expectWrites(t, tr, mscCh1OK)
	expectEvents(t, rec)
}

func TestCommand_SetStatus(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1)

	if err := c.SetStatus(1, 0x8D); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	expectWrites(t, tr, mscCh1)
	if got := c.Table().Get(1).OutgoingStatus; got != 0x8D {
		t.Errorf("outgoing status: expected 0x8D, got 0x%02X", got)
	}
}

func TestCommand_TestEcho(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	cmd := gsm0710.NewTestCommand([]byte("ping"))
	tr.feed(encodeCommand(t, cmd))
	c.ReadyRead()

	expectWrites(t, tr, encodeCommand(t, cmd.Response()))
}

func TestCommand_TestResponse(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})

	if err := c.SendTest([]byte("abc")); err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}
	expectWrites(t, tr, encodeCommand(t, gsm0710.NewTestCommand([]byte("abc"))))

	tr.feed(encodeCommand(t, gsm0710.NewTestCommand([]byte("abc")).Response()))
	c.ReadyRead()

	if len(rec.tests) != 1 || string(rec.tests[0]) != "abc" {
		t.Errorf("expected test response %q, got %q", "abc", rec.tests)
	}
}

func TestCommand_CloseDown(t *testing.T) {
	c, tr, rec := newTestContext(t, Config{})
	openEstablished(t, c, tr, rec, 1, 3)

	tr.feed(closeDown)
	c.ReadyRead()

	expectWrites(t, tr, closeDownOK)
	expectEvents(t, rec, "close 1", "close 3", "terminate")
}

func TestCommand_NotSupported(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	cmd := gsm0710.NewCommand(gsm0710.CmdRPN, []byte{0x07})
	tr.feed(encodeCommand(t, cmd))
	c.ReadyRead()

	nsc := encodeCommand(t, gsm0710.NewNotSupported(cmd))
	expectWrites(t, tr, nsc)
	if nsc[4] != 0x11 || nsc[5] != 0x03 || nsc[6] != 0x93 {
		t.Errorf("unexpected NSC payload: % X", nsc[4:7])
	}
}

func TestCommand_FlowControl(t *testing.T) {
	c, tr, _ := newTestContext(t, Config{})

	tr.feed(encodeCommand(t, gsm0710.NewFlowControl(false)))
	c.ReadyRead()
	if !c.RemoteFlowStopped() {
		t.Error("FCoff should stop remote flow")
	}
	expectWrites(t, tr, encodeCommand(t, gsm0710.NewFlowControl(false).Response()))

	tr.feed(encodeCommand(t, gsm0710.NewFlowControl(true)))
	c.ReadyRead()
	if c.RemoteFlowStopped() {
		t.Error("FCon should resume remote flow")
	}
}
