// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// Config holds session parameters. Zero values take defaults.
type Config struct {
	Mode      gsm0710.Mode
	FrameSize int  // maximum payload per frame, default 31
	PortSpeed int  // line speed for AT+CMUX, default the transport rate or 115200
	Server    bool // answer the peer instead of initiating

	// Chatter sends AT+CMUX before the session starts. nil skips negotiation.
	Chatter             Chatter
	NegotiationAttempts int           // default 3
	NegotiationBackoff  time.Duration // first retry delay, default 250ms

	// ChannelNumber maps a channel name to a number, or -1.
	// Default DefaultChannelNumber.
	ChannelNumber func(name string) int

	Listener Listener
	Logger   *slog.Logger
}

func (c *Config) setDefaults(t Transport) {
	if c.FrameSize <= 0 {
		c.FrameSize = gsm0710.DefaultFrameSize
	}
	if c.FrameSize > gsm0710.MaxFrameSize {
		c.FrameSize = gsm0710.MaxFrameSize
	}
	if c.PortSpeed <= 0 && t != nil {
		c.PortSpeed = t.Rate()
	}
	if c.PortSpeed <= 0 {
		c.PortSpeed = DefaultPortSpeed
	}
	if c.NegotiationAttempts <= 0 {
		c.NegotiationAttempts = 3
	}
	if c.NegotiationBackoff <= 0 {
		c.NegotiationBackoff = 250 * time.Millisecond
	}
	if c.ChannelNumber == nil {
		c.ChannelNumber = DefaultChannelNumber
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DefaultChannelNumber maps the standard channel names: primary (1),
// secondary (2), data and datasetup (3), aux* (4). Other names map to -1.
func DefaultChannelNumber(name string) int {
	switch {
	case name == "primary":
		return 1
	case name == "secondary":
		return 2
	case name == "data", name == "datasetup":
		return 3
	case strings.HasPrefix(name, "aux"):
		return 4
	default:
		return -1
	}
}

// Listener receives session events from a Multiplexer. Methods are called
// without the multiplexer lock held and may call back into it.
type Listener interface {
	Opened(channel int, c *Channel)
	Closed(channel int, c *Channel)
	Terminated()
}

// ListenerFuncs adapts functions to a Listener. nil fields are skipped.
type ListenerFuncs struct {
	OnOpened     func(channel int, c *Channel)
	OnClosed     func(channel int, c *Channel)
	OnTerminated func()
}

func (l ListenerFuncs) Opened(channel int, c *Channel) {
	if l.OnOpened != nil {
		l.OnOpened(channel, c)
	}
}

func (l ListenerFuncs) Closed(channel int, c *Channel) {
	if l.OnClosed != nil {
		l.OnClosed(channel, c)
	}
}

func (l ListenerFuncs) Terminated() {
	if l.OnTerminated != nil {
		l.OnTerminated()
	}
}

// Multiplexer owns a transport and a protocol Context and hands out one
// Channel per logical channel.
//
// All methods are safe for concurrent use. Received data is only
// processed when something drives the transport: Serve, ReadyRead, or a
// Channel blocked in WaitForReadyRead.
type Multiplexer struct {
	mu      sync.Mutex
	pending []func()

	transport Transport
	cfg       Config
	ctx       *Context
	log       *slog.Logger
	linkID    string

	channels   map[int]*Channel
	pings      map[string]chan struct{}
	dataReady  chan struct{}
	done       chan struct{}
	quit       chan struct{} // closed by Close
	serving    bool
	closed     bool
	terminated bool
}

// New creates a multiplexer on a transport. No bytes are sent until
// Startup.
func New(t Transport, cfg Config) *Multiplexer {
	cfg.setDefaults(t)

	m := &Multiplexer{
		transport: t,
		linkID:    xid.New().String(),
		channels:  make(map[int]*Channel),
		pings:     make(map[string]chan struct{}),
		dataReady: make(chan struct{}),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
	}

	role := "client"
	if cfg.Server {
		role = "server"
	}
	m.log = cfg.Logger.WithGroup("gsm0710").With("link", m.linkID, "role", role)
	cfg.Logger = m.log
	m.cfg = cfg
	m.ctx = NewContext(t, (*muxHandler)(m), cfg)
	return m
}

// Startup negotiates multiplexing (client role with a Chatter) and opens
// the control channel
func (m *Multiplexer) Startup(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return errors.WithStack(ErrTerminated)
	}
	m.log.Info("starting multiplexer", "mode", m.cfg.Mode.String(), "frame_size", m.cfg.FrameSize,
		"port_speed", m.cfg.PortSpeed)
	return m.ctx.Startup(ctx, true)
}

// Reinit restarts multiplexing after the modem reset, re-opening every
// channel that was in use
func (m *Multiplexer) Reinit(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed || m.terminated {
		return errors.WithStack(ErrTerminated)
	}
	return m.ctx.Reinit(ctx)
}

// unlock releases the lock and runs the callbacks queued while it was held
func (m *Multiplexer) unlock() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (m *Multiplexer) queue(fn func()) {
	m.pending = append(m.pending, fn)
}

// signalData wakes every goroutine waiting for channel data
func (m *Multiplexer) signalData() {
	close(m.dataReady)
	m.dataReady = make(chan struct{})
}

// ============================================================
// Channels
// ============================================================

// Channel returns the channel for a name such as "primary" or "aux1",
// opening it if needed
func (m *Multiplexer) Channel(name string) (*Channel, error) {
	number := m.cfg.ChannelNumber(name)
	if number < 1 || number > gsm0710.MaxChannels {
		return nil, errors.Wrapf(ErrUnknownChannelName, "%q", name)
	}
	return m.ChannelByNumber(number)
}

// ChannelNumber maps a channel name to a number, or -1
func (m *Multiplexer) ChannelNumber(name string) int {
	return m.cfg.ChannelNumber(name)
}

// ChannelByNumber returns the channel with the given number, creating
// and opening it if needed
func (m *Multiplexer) ChannelByNumber(number int) (*Channel, error) {
	if err := checkUserChannel(number); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.unlock()

	if m.closed || m.terminated {
		return nil, errors.WithStack(ErrTerminated)
	}

	if c, ok := m.channels[number]; ok {
		return c, nil
	}

	c := newChannel(m, number)
	m.channels[number] = c
	if err := c.open(); err != nil {
		delete(m.channels, number)
		return nil, err
	}
	return c, nil
}

// Channels returns the numbers of channels with a live Channel, ascending
func (m *Multiplexer) Channels() []int {
	m.mu.Lock()
	defer m.unlock()

	numbers := make([]int, 0, len(m.channels))
	for n := range m.channels {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// IsOpen reports whether a channel is open or being opened
func (m *Multiplexer) IsOpen(number int) bool {
	m.mu.Lock()
	defer m.unlock()
	return m.ctx.IsOpen(number)
}

// ============================================================
// Driving the transport
// ============================================================

// ReadyRead processes bytes waiting on the transport. It returns
// ErrTransportLost once the transport fails and ErrTerminated after the
// session ended or Close was called.
func (m *Multiplexer) ReadyRead() error {
	m.mu.Lock()
	defer m.unlock()

	if m.closed || m.terminated {
		return errors.WithStack(ErrTerminated)
	}
	_, err := m.ctx.ReadyRead()
	return err
}

// Serve drives the transport until the session ends, Close is called or
// ctx is cancelled
func (m *Multiplexer) Serve(ctx context.Context) error {
	m.mu.Lock()
	m.serving = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.serving = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-m.quit:
			return nil
		default:
		}

		if !m.transport.WaitForReadyRead(100 * time.Millisecond) {
			continue
		}
		if err := m.ReadyRead(); err != nil {
			if errors.Is(err, ErrTerminated) {
				return nil
			}
			return err
		}
	}
}

// Done is closed when the session terminates
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Terminated reports whether the session has ended
func (m *Multiplexer) Terminated() bool {
	m.mu.Lock()
	defer m.unlock()
	return m.terminated
}

// ============================================================
// Control channel
// ============================================================

// Ping sends a Test command with a unique pattern and waits for the echo.
// The transport must be driven by Serve or another goroutine meanwhile.
func (m *Multiplexer) Ping(ctx context.Context) (time.Duration, error) {
	pattern := xid.New().String()
	reply := make(chan struct{})

	m.mu.Lock()
	if m.closed || m.terminated {
		m.unlock()
		return 0, errors.WithStack(ErrTerminated)
	}
	m.pings[pattern] = reply
	start := time.Now()
	err := m.ctx.SendTest([]byte(pattern))
	m.unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pings, pattern)
		m.unlock()
	}()

	if err != nil {
		return 0, err
	}

	select {
	case <-reply:
		return time.Since(start), nil
	case <-m.done:
		return 0, errors.WithStack(ErrTerminated)
	case <-m.quit:
		return 0, errors.WithStack(ErrTerminated)
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "ping")
	}
}

// Stats returns a copy of the received frame counters
func (m *Multiplexer) Stats() gsm0710.Statistics {
	m.mu.Lock()
	defer m.unlock()
	s := m.ctx.Statistics()
	s.CalculateRates()
	return *s
}

// LinkID returns the identifier tagged on every log record of this link
func (m *Multiplexer) LinkID() string {
	return m.linkID
}

// Mode returns the framing option
func (m *Multiplexer) Mode() gsm0710.Mode {
	return m.cfg.Mode
}

// Close releases every channel, shuts the session down and, in the client
// role, closes the transport if it is an io.Closer. Frames arriving after
// Close are not processed and a running Serve returns.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.unlock()
		return nil
	}
	m.closed = true
	close(m.quit)

	numbers := make([]int, 0, len(m.channels))
	for n := range m.channels {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		m.channels[n].release()
	}
	m.channels = make(map[int]*Channel)

	err := m.ctx.Shutdown()
	m.signalData()
	m.log.Info("multiplexer closed")
	m.unlock()

	if !m.cfg.Server {
		if closer, ok := m.transport.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "close transport")
			}
		}
	}
	return err
}

// ============================================================
// Context callbacks
// ============================================================

// muxHandler receives Context events. They arrive with m.mu held, so
// user-visible callbacks are queued for unlock.
type muxHandler Multiplexer

func (h *muxHandler) OnOpen(channel int) {
	m := (*Multiplexer)(h)

	c, ok := m.channels[channel]
	if !ok {
		c = newChannel(m, channel)
		c.previouslyOpened = true
		c.currentlyOpen = true
		m.channels[channel] = c
	}
	c.established = true

	if m.cfg.Listener != nil {
		m.queue(func() { m.cfg.Listener.Opened(channel, c) })
	}
}

func (h *muxHandler) OnClose(channel int) {
	m := (*Multiplexer)(h)

	c, ok := m.channels[channel]
	if !ok {
		return
	}
	delete(m.channels, channel)
	c.closedByPeer()
	m.signalData()

	if m.cfg.Listener != nil {
		m.queue(func() { m.cfg.Listener.Closed(channel, c) })
	}
}

func (h *muxHandler) OnData(channel int, data []byte) {
	m := (*Multiplexer)(h)

	c, ok := m.channels[channel]
	if !ok || !c.currentlyOpen {
		m.log.Debug("data for unused channel dropped", "channel", channel, "len", len(data))
		return
	}

	c.buffer = append(c.buffer, data...)
	m.signalData()

	if fn := c.onReadyRead; fn != nil && !c.waiting {
		m.queue(fn)
	}
}

func (h *muxHandler) OnStatus(channel int, status, changed byte) {
	m := (*Multiplexer)(h)

	c, ok := m.channels[channel]
	if !ok {
		return
	}
	c.incomingStatus = status

	fn := c.onSignalChange
	if fn == nil {
		return
	}
	for _, signal := range []byte{gsm0710.SignalDSR, gsm0710.SignalDCD, gsm0710.SignalCTS} {
		if changed&signal != 0 {
			signal, on := signal, status&signal != 0
			m.queue(func() { fn(signal, on) })
		}
	}
}

func (h *muxHandler) OnTerminate() {
	m := (*Multiplexer)(h)

	m.terminated = true
	close(m.done)
	m.signalData()

	if m.cfg.Listener != nil {
		m.queue(m.cfg.Listener.Terminated)
	}
}

func (h *muxHandler) OnTestResponse(pattern []byte) {
	m := (*Multiplexer)(h)

	if reply, ok := m.pings[string(pattern)]; ok {
		delete(m.pings, string(pattern))
		close(reply)
	}
}
