// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
	"github.com/Thermoquad/gsmmux/pkg/multiplexer"
)

var controlChannels []string

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for driving a multiplexed modem",
	Long: `Run a multiplexer session and talk to each channel through a terminal UI.

This command negotiates multiplexing (AT+CMUX unless --no-cmux), opens the
control channel and then the requested channels.

Features:
  - Channel list with open state and modem status signals
  - AT command input sent to the selected channel
  - DTR/RTS toggles sent as modem status commands
  - Test command round trips on the control channel
  - Statistics tracking and event logging
  - Automatic reconnection on connection loss

Tab switches between channel list and command input. Arrow keys navigate the
channel list. In the list, o/c open and close the channel, d and r toggle
DTR and RTS, p sends a ping.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().StringSliceVar(&controlChannels, "channels", []string{"primary", "secondary", "data", "aux"},
		"Channels to open at startup")
}

// connectionManager handles session lifecycle and reconnection
type connectionManager struct {
	mux      *multiplexer.Multiplexer
	connInfo string
	logger   *slog.Logger
	mu       sync.RWMutex
	p        *tea.Program
	done     chan struct{}
}

func (cm *connectionManager) getMux() *multiplexer.Multiplexer {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.mux
}

func (cm *connectionManager) setMux(mux *multiplexer.Multiplexer, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.mux = mux
	cm.connInfo = connInfo
}

func runControl(cmd *cobra.Command, args []string) error {
	cm := &connectionManager{
		logger: newLogger(),
		done:   make(chan struct{}),
	}

	// The TUI owns the terminal; keep protocol logging quiet unless asked
	if !verboseLog {
		cm.logger = slog.New(slog.DiscardHandler)
	}

	m := initialControlModel(cm, controlChannels)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	// Open the initial session in the background so the TUI shows progress
	go cm.sessionLoop()

	_, err := p.Run()
	close(cm.done) // Signal goroutines to stop
	if mux := cm.getMux(); mux != nil {
		mux.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// sessionLoop keeps a session running, reconnecting with exponential
// backoff whenever the link is lost
func (cm *connectionManager) sessionLoop() {
	b := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}

	for {
		err := cm.connect()
		if err == nil {
			b.Reset()
			cm.serve()
		} else {
			cm.p.Send(controlLogMsg{message: fmt.Sprintf("Connect failed: %v", err), isError: true})
		}

		select {
		case <-cm.done:
			return
		default:
		}
		cm.p.Send(connectionLostMsg{})

		select {
		case <-cm.done:
			return
		case <-time.After(b.Duration()):
		}
	}
}

// connect opens the link, starts multiplexing and requests every
// configured channel
func (cm *connectionManager) connect() error {
	if old := cm.getMux(); old != nil {
		old.Close()
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	mux, err := newMultiplexer(conn, cm.logger, multiplexer.ListenerFuncs{
		OnOpened: func(channel int, c *multiplexer.Channel) {
			cm.p.Send(channelStateMsg{channel: channel, open: true})
		},
		OnClosed: func(channel int, c *multiplexer.Channel) {
			cm.p.Send(channelStateMsg{channel: channel, open: false})
		},
		OnTerminated: func() {
			cm.p.Send(controlLogMsg{message: "Multiplexer session terminated", isError: true})
		},
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mux.Startup(ctx); err != nil {
		mux.Close()
		return err
	}

	cm.setMux(mux, connInfo)
	cm.p.Send(reconnectedMsg{connInfo: connInfo, mode: mux.Mode(), linkID: mux.LinkID()})

	for _, name := range controlChannels {
		if _, err := cm.openChannel(mux, mux.ChannelNumber(name)); err != nil {
			cm.p.Send(controlLogMsg{message: fmt.Sprintf("Channel %s: %v", name, err), isError: true})
		}
	}
	return nil
}

// serve drives the session until it ends or the TUI exits
func (cm *connectionManager) serve() {
	mux := cm.getMux()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := mux.Serve(ctx); err != nil && ctx.Err() == nil {
		cm.p.Send(controlLogMsg{message: fmt.Sprintf("Link error: %v", err), isError: true})
	}
}

// openChannel opens a channel and forwards its data and signal changes to
// the TUI
func (cm *connectionManager) openChannel(mux *multiplexer.Multiplexer, number int) (*multiplexer.Channel, error) {
	c, err := mux.ChannelByNumber(number)
	if err != nil {
		return nil, err
	}

	c.OnReadyRead(func() {
		buf := make([]byte, c.BytesAvailable())
		n, _ := c.Read(buf)
		if n > 0 {
			cm.p.Send(channelDataMsg{channel: number, data: buf[:n]})
		}
	})
	c.OnSignalChange(func(signal byte, on bool) {
		cm.p.Send(channelSignalMsg{channel: number, signal: signal, on: on})
	})
	return c, nil
}

// channel returns an open channel of the current session
func (cm *connectionManager) channel(number int) (*multiplexer.Channel, error) {
	mux := cm.getMux()
	if mux == nil {
		return nil, multiplexer.ErrTerminated
	}
	return cm.openChannel(mux, number)
}

// stats returns the current session counters
func (cm *connectionManager) stats() gsm0710.Statistics {
	if mux := cm.getMux(); mux != nil {
		return mux.Stats()
	}
	return *gsm0710.NewStatistics()
}

// pingCmd runs a Test command round trip outside the TUI goroutine
func (cm *connectionManager) pingCmd() tea.Cmd {
	return func() tea.Msg {
		mux := cm.getMux()
		if mux == nil {
			return pingResultMsg{err: multiplexer.ErrTerminated}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rtt, err := mux.Ping(ctx)
		return pingResultMsg{rtt: rtt, err: err}
	}
}
