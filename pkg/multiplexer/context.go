// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

const readBufferSize = 4096

// Context is the protocol engine for one physical link.
//
// It consumes raw bytes from the transport, reassembles frames, answers
// control channel commands and builds outgoing frames. A Context is not
// safe for concurrent use; the Multiplexer serialises access to it.
type Context struct {
	transport Transport
	handler   Handler
	table     *Table
	encoder   *gsm0710.Encoder
	decoder   *gsm0710.Decoder
	stats     *gsm0710.Statistics
	log       *slog.Logger

	mode       gsm0710.Mode
	frameSize  int
	portSpeed  int
	server     bool
	chatter    Chatter
	attempts   int
	minBackoff time.Duration
	maxBackoff time.Duration

	readBuf       []byte
	terminated    bool
	remoteFlowOff bool
}

// NewContext creates a protocol engine. Zero Config fields take defaults.
func NewContext(t Transport, h Handler, cfg Config) *Context {
	cfg.setDefaults(t)

	c := &Context{
		transport:  t,
		handler:    h,
		encoder:    gsm0710.NewEncoder(cfg.Mode),
		decoder:    gsm0710.NewDecoder(cfg.Mode),
		stats:      gsm0710.NewStatistics(),
		log:        cfg.Logger,
		mode:       cfg.Mode,
		frameSize:  cfg.FrameSize,
		portSpeed:  cfg.PortSpeed,
		server:     cfg.Server,
		chatter:    cfg.Chatter,
		attempts:   cfg.NegotiationAttempts,
		minBackoff: cfg.NegotiationBackoff,
		maxBackoff: cfg.NegotiationBackoff * 8,
		readBuf:    make([]byte, readBufferSize),
	}
	c.decoder.SetMaxPayload(cfg.FrameSize)
	c.table = NewTable(func(channel int, status, changed byte) {
		c.handler.OnStatus(channel, status, changed)
	})
	return c
}

// Mode returns the framing option
func (c *Context) Mode() gsm0710.Mode { return c.mode }

// FrameSize returns the maximum payload per frame
func (c *Context) FrameSize() int { return c.frameSize }

// Server reports whether the context runs in the server role
func (c *Context) Server() bool { return c.server }

// Terminated reports whether the session has ended
func (c *Context) Terminated() bool { return c.terminated }

// Table returns the channel state table
func (c *Context) Table() *Table { return c.table }

// Statistics returns the frame counters for received traffic
func (c *Context) Statistics() *gsm0710.Statistics { return c.stats }

// RemoteFlowStopped reports whether the peer sent FCoff
func (c *Context) RemoteFlowStopped() bool { return c.remoteFlowOff }

// IsOpen reports whether a channel has been opened and not closed
func (c *Context) IsOpen(channel int) bool {
	e := c.table.Get(channel)
	return e != nil && e.InUse()
}

// ============================================================
// Session lifecycle
// ============================================================

// Startup starts the session. In the client role it optionally negotiates
// AT+CMUX through the Chatter, then opens the control channel and re-opens
// every channel already in use. In the server role nothing is sent; the
// peer opens the control channel.
func (c *Context) Startup(ctx context.Context, negotiate bool) error {
	if c.terminated {
		return errors.WithStack(ErrTerminated)
	}
	if c.server {
		return nil
	}

	if negotiate && c.chatter != nil {
		if err := c.negotiate(ctx); err != nil {
			return err
		}
	}

	control, _ := c.table.GetOrCreate(gsm0710.ControlChannel)
	control.State = StateOpenRequested
	if err := c.writeFrame(gsm0710.NewFrame(gsm0710.ControlChannel, gsm0710.TypeSABM, nil)); err != nil {
		return err
	}

	for _, channel := range c.table.InUse() {
		c.table.Get(channel).State = StateOpenRequested
		if err := c.writeFrame(gsm0710.NewFrame(channel, gsm0710.TypeSABM, nil)); err != nil {
			return err
		}
	}

	return nil
}

// Reinit restarts a session after the modem dropped out of multiplexing:
// AT+CMUX is sent again and every channel in use is re-opened.
func (c *Context) Reinit(ctx context.Context) error {
	c.decoder.Reset()
	return c.Startup(ctx, true)
}

func (c *Context) negotiate(ctx context.Context) error {
	command := CMUXCommand(c.mode, c.portSpeed, c.frameSize)
	b := &backoff.Backoff{
		Min:    c.minBackoff,
		Max:    c.maxBackoff,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.chatter.Chat(command)
		if lastErr == nil {
			c.log.Info("multiplexing negotiated", "command", command, "attempt", attempt)
			return nil
		}
		c.log.Warn("AT+CMUX failed", "command", command, "attempt", attempt, "err", lastErr)

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrNegotiationFailed, "%s: %v", command, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}

	return errors.Wrapf(ErrNegotiationFailed, "%s failed after %d attempts: %v", command, c.attempts, lastErr)
}

// Shutdown closes every channel in use and sends the close-down command,
// returning the modem to AT command mode. It does not wait for replies.
// In the server role only the local state is cleared.
func (c *Context) Shutdown() error {
	if c.terminated {
		return nil
	}

	var err error
	if !c.server {
		for _, channel := range c.table.InUse() {
			if err = c.writeFrame(gsm0710.NewFrame(channel, gsm0710.TypeDISC, nil)); err != nil {
				break
			}
		}
		if err == nil {
			err = c.sendCommand(gsm0710.NewCloseDown())
		}
	}

	c.table.Clear()
	return err
}

// Terminate ends the session: every channel is closed with a callback,
// then the terminate callback runs. Further frames are neither accepted
// nor sent. Calling Terminate again has no effect.
func (c *Context) Terminate() {
	if c.terminated {
		return
	}
	c.terminated = true

	var channels []int
	c.table.Each(func(e *Entry) bool {
		if e.Number != gsm0710.ControlChannel {
			channels = append(channels, e.Number)
		}
		return true
	})
	c.table.Clear()

	for _, channel := range channels {
		c.handler.OnClose(channel)
	}
	c.log.Info("multiplexer session terminated", "closed_channels", len(channels))
	c.handler.OnTerminate()
}

// ============================================================
// Channel operations
// ============================================================

func checkUserChannel(channel int) error {
	if channel < 1 || channel > gsm0710.MaxChannels {
		return errors.Wrapf(ErrInvalidChannel, "channel %d (valid 1-%d)", channel, gsm0710.MaxChannels)
	}
	return nil
}

// OpenChannel requests a channel. Opening a channel already in use sends
// nothing. In the server role the channel is marked open without a frame.
func (c *Context) OpenChannel(channel int) error {
	if err := checkUserChannel(channel); err != nil {
		return err
	}
	if c.terminated {
		return errors.WithStack(ErrTerminated)
	}

	e, _ := c.table.GetOrCreate(channel)
	if e.InUse() {
		return nil
	}

	if c.server {
		e.State = StateOpen
		return nil
	}

	if e.State == StateCloseRequested {
		e.stale++
	}
	e.State = StateOpenRequested
	return c.writeFrame(gsm0710.NewFrame(channel, gsm0710.TypeSABM, nil))
}

// CloseChannel requests that a channel be closed. Closing a channel that
// is not in use sends nothing.
func (c *Context) CloseChannel(channel int) error {
	if err := checkUserChannel(channel); err != nil {
		return err
	}
	if c.terminated {
		return nil
	}

	e := c.table.Get(channel)
	if e == nil || !e.InUse() {
		return nil
	}

	if c.server {
		c.table.Remove(channel)
		return nil
	}

	if e.State == StateOpenRequested {
		e.stale++
	}
	e.State = StateCloseRequested
	return c.writeFrame(gsm0710.NewFrame(channel, gsm0710.TypeDISC, nil))
}

// WriteData sends data on a channel, split into UIH frames no larger than
// the frame size
func (c *Context) WriteData(channel int, data []byte) (int, error) {
	if err := checkUserChannel(channel); err != nil {
		return 0, err
	}
	if c.terminated {
		return 0, errors.WithStack(ErrTerminated)
	}
	if !c.IsOpen(channel) {
		return 0, errors.Wrapf(ErrChannelNotOpen, "channel %d", channel)
	}

	written := 0
	for len(data) > 0 {
		n := len(data)
		if n > c.frameSize {
			n = c.frameSize
		}
		if err := c.writeFrame(gsm0710.NewFrame(channel, gsm0710.TypeUIH, data[:n])); err != nil {
			return written, err
		}
		written += n
		data = data[n:]
	}

	return written, nil
}

// SetStatus sends the local modem signals for a channel
func (c *Context) SetStatus(channel int, status byte) error {
	if err := checkUserChannel(channel); err != nil {
		return err
	}
	if c.terminated {
		return errors.WithStack(ErrTerminated)
	}
	if !c.IsOpen(channel) {
		return errors.Wrapf(ErrChannelNotOpen, "channel %d", channel)
	}

	c.table.SetOutgoingStatus(channel, status)
	return c.sendCommand(gsm0710.NewModemStatus(channel, status))
}

// SendTest sends a Test command; the peer echoes the pattern back
func (c *Context) SendTest(pattern []byte) error {
	if c.terminated {
		return errors.WithStack(ErrTerminated)
	}
	return c.sendCommand(gsm0710.NewTestCommand(pattern))
}

// ============================================================
// Incoming traffic
// ============================================================

// ReadyRead performs one non-blocking transport read and processes every
// complete frame received. It returns the number of bytes read. A read
// error terminates the session and returns ErrTransportLost.
func (c *Context) ReadyRead() (int, error) {
	if c.terminated {
		return 0, errors.WithStack(ErrTerminated)
	}

	n, err := c.transport.Read(c.readBuf)
	if n > 0 {
		if c.log.Enabled(context.Background(), slog.LevelDebug) {
			c.log.Debug("read", "len", n, "data", gsm0710.FormatHex(c.readBuf[:n]))
		}
		c.decoder.Write(c.readBuf[:n])
		c.processFrames()
	}

	if err != nil {
		if c.terminated {
			return n, nil
		}
		if err != io.EOF {
			c.log.Error("transport read failed", "err", err)
		} else {
			c.log.Warn("transport closed by peer")
		}
		c.Terminate()
		return n, errors.Wrapf(ErrTransportLost, "read: %v", err)
	}

	return n, nil
}

func (c *Context) processFrames() {
	for !c.terminated {
		frame, err := c.decoder.Next()
		if err != nil {
			c.stats.Update(nil, err, nil)
			c.log.Warn("frame dropped", "err", err)
			continue
		}
		if frame == nil {
			return
		}

		anomalies := gsm0710.ValidateFrame(frame, c.frameSize)
		c.stats.Update(frame, nil, anomalies)
		for _, a := range anomalies {
			c.log.Debug("frame anomaly", "channel", frame.Channel, "msg", a.Message)
		}

		c.dispatch(frame)
	}
}

func (c *Context) dispatch(f *gsm0710.Frame) {
	switch f.Type {
	case gsm0710.TypeSABM:
		c.handleOpen(f.Channel)
	case gsm0710.TypeUA:
		c.handleAck(f.Channel)
	case gsm0710.TypeDM:
		c.handleRefused(f.Channel)
	case gsm0710.TypeDISC:
		c.handleDisconnect(f.Channel)
	case gsm0710.TypeUIH, gsm0710.TypeUI:
		if f.IsControlChannel() {
			c.handleCommand(f.Payload)
		} else {
			c.handleData(f.Channel, f.Payload)
		}
	}
}

func (c *Context) violation(channel int, format string, args ...interface{}) {
	err := errors.Wrapf(ErrProtocolViolation, format, args...)
	c.log.Warn("ignored peer frame", "channel", channel, "err", err)
}

// handleOpen answers a peer SABM
func (c *Context) handleOpen(channel int) {
	e, _ := c.table.GetOrCreate(channel)

	if e.State == StateOpen {
		c.violation(channel, "SABM for open channel %d", channel)
		c.reply(channel, gsm0710.TypeUA)
		return
	}

	if err := c.reply(channel, gsm0710.TypeUA); err != nil {
		return
	}
	e.State = StateOpen

	if channel == gsm0710.ControlChannel {
		c.log.Info("control channel opened by peer")
		return
	}
	c.log.Debug("channel opened by peer", "channel", channel)
	c.handler.OnOpen(channel)
}

// handleAck completes an outstanding open or close request
func (c *Context) handleAck(channel int) {
	e := c.table.Get(channel)
	if e == nil {
		c.violation(channel, "UA for unknown channel %d", channel)
		return
	}
	if c.consumeStale(e) {
		return
	}

	switch e.State {
	case StateOpenRequested:
		e.State = StateOpen
		if channel == gsm0710.ControlChannel {
			c.log.Info("multiplexer session established", "mode", c.mode.String(), "frame_size", c.frameSize)
			return
		}
		c.log.Debug("channel open acknowledged", "channel", channel)
		c.handler.OnOpen(channel)
	case StateCloseRequested:
		c.table.Remove(channel)
		if channel != gsm0710.ControlChannel {
			c.log.Debug("channel close acknowledged", "channel", channel)
			c.handler.OnClose(channel)
		}
	default:
		c.violation(channel, "UA for channel %d in state %s", channel, e.State)
	}
}

// consumeStale absorbs the reply to a request that a later one superseded
func (c *Context) consumeStale(e *Entry) bool {
	if e.stale == 0 {
		return false
	}
	e.stale--
	c.log.Debug("reply to superseded request", "channel", e.Number, "state", e.State.String())
	return true
}

// handleRefused processes DM, sent when the peer refuses or drops a channel
func (c *Context) handleRefused(channel int) {
	e := c.table.Get(channel)
	if e == nil {
		c.log.Debug("DM for unknown channel", "channel", channel)
		return
	}
	if c.consumeStale(e) {
		return
	}

	if channel == gsm0710.ControlChannel {
		c.log.Warn("peer refused the multiplexer session")
		c.Terminate()
		return
	}

	c.log.Info("channel refused by peer", "channel", channel, "state", e.State.String())
	c.table.Remove(channel)
	c.handler.OnClose(channel)
}

// handleDisconnect answers a peer DISC
func (c *Context) handleDisconnect(channel int) {
	if channel == gsm0710.ControlChannel {
		c.reply(channel, gsm0710.TypeUA)
		c.log.Info("multiplexer session closed by peer")
		c.Terminate()
		return
	}

	e := c.table.Get(channel)
	if e == nil || e.State == StateClosed {
		c.reply(channel, gsm0710.TypeDM)
		return
	}

	if err := c.reply(channel, gsm0710.TypeUA); err != nil {
		return
	}
	c.table.Remove(channel)
	c.log.Debug("channel closed by peer", "channel", channel)
	c.handler.OnClose(channel)
}

func (c *Context) handleData(channel int, payload []byte) {
	e := c.table.Get(channel)
	if e == nil || !e.InUse() {
		c.log.Debug("data for closed channel dropped", "channel", channel, "len", len(payload))
		return
	}
	if len(payload) == 0 {
		return
	}
	c.handler.OnData(channel, payload)
}

func (c *Context) handleCommand(payload []byte) {
	cmd, err := gsm0710.ParseCommand(payload)
	if err != nil {
		c.log.Warn("invalid control command", "err", err)
		return
	}

	c.log.Debug("control command", "cmd", gsm0710.FormatCommand(cmd))

	if !cmd.IsCommand {
		c.handleResponse(cmd)
		return
	}

	switch cmd.Type {
	case gsm0710.CmdMSC:
		channel, signals, err := cmd.ModemStatus()
		if err != nil {
			c.log.Warn("invalid modem status", "err", err)
			return
		}
		c.table.SetIncomingStatus(channel, signals)
		c.sendCommand(cmd.Response())

	case gsm0710.CmdCLD:
		c.sendCommand(cmd.Response())
		c.log.Info("peer requested close down")
		c.Terminate()

	case gsm0710.CmdFCon, gsm0710.CmdFCoff:
		c.remoteFlowOff = cmd.Type == gsm0710.CmdFCoff
		c.log.Info("peer flow control", "stopped", c.remoteFlowOff)
		c.sendCommand(cmd.Response())

	case gsm0710.CmdTest, gsm0710.CmdPSC, gsm0710.CmdPN:
		c.sendCommand(cmd.Response())

	default:
		c.log.Debug("unsupported command", "type", gsm0710.FormatCommandType(cmd.Type))
		c.sendCommand(gsm0710.NewNotSupported(cmd))
	}
}

func (c *Context) handleResponse(cmd *gsm0710.Command) {
	switch cmd.Type {
	case gsm0710.CmdTest:
		if th, ok := c.handler.(TestHandler); ok {
			th.OnTestResponse(cmd.Value)
		}
	case gsm0710.CmdNSC:
		c.log.Warn("peer rejected command", "response", gsm0710.FormatCommand(cmd))
	}
}

// ============================================================
// Outgoing frames
// ============================================================

func (c *Context) reply(channel int, t gsm0710.FrameType) error {
	return c.writeFrame(gsm0710.NewFrame(channel, t, nil))
}

func (c *Context) sendCommand(cmd *gsm0710.Command) error {
	return c.writeFrame(cmd.Frame())
}

// writeFrame encodes and writes one frame. A failed or short write ends
// the session.
func (c *Context) writeFrame(f *gsm0710.Frame) error {
	if c.terminated {
		return errors.WithStack(ErrTerminated)
	}

	data, err := c.encoder.Encode(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.Debug("write", "frame", gsm0710.FormatFrameType(f.Type), "channel", f.Channel,
			"len", len(data), "data", gsm0710.FormatHex(data))
	}

	n, err := c.transport.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.log.Error("transport write failed", "err", err, "written", n, "len", len(data))
		c.Terminate()
		return errors.Wrapf(ErrTransportLost, "write: %v", err)
	}

	return nil
}
