// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/gsmmux/pkg/atchat"
	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
	"github.com/Thermoquad/gsmmux/pkg/multiplexer"
	"github.com/Thermoquad/gsmmux/pkg/transport"
)

// Link is an open transport
type Link interface {
	multiplexer.Transport
	io.Closer
}

// tracedLink closes the trace file along with the link
type tracedLink struct {
	*transport.Tracer
	file *os.File
}

func (t *tracedLink) Close() error {
	err := t.Tracer.Close()
	if ferr := t.file.Close(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("GSMMUX_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// OpenConnection opens either a serial or WebSocket connection based on
// flags, recording a trace when --record is set
func OpenConnection() (Link, string, error) {
	link, info, err := openLink()
	if err != nil {
		return nil, "", err
	}

	if traceRecord == "" {
		return link, info, nil
	}

	f, err := os.Create(traceRecord)
	if err != nil {
		link.Close()
		return nil, "", fmt.Errorf("failed to create trace file: %v", err)
	}
	return &tracedLink{Tracer: transport.NewTracer(link, f), file: f},
		fmt.Sprintf("%s (recording to %s)", info, traceRecord), nil
}

func openLink() (Link, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := transport.DialWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		conn, err := transport.OpenSerial(portName, baudRate)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// frameMode parses the --mode flag
func frameMode() (gsm0710.Mode, error) {
	switch strings.ToLower(muxMode) {
	case "basic", "":
		return gsm0710.ModeBasic, nil
	case "advanced":
		return gsm0710.ModeAdvanced, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (use basic or advanced)", muxMode)
	}
}

// newLogger builds the stderr logger; --verbose enables protocol traffic
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verboseLog {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newMultiplexer builds a multiplexer for link from the global flags
func newMultiplexer(link Link, logger *slog.Logger, listener multiplexer.Listener) (*multiplexer.Multiplexer, error) {
	mode, err := frameMode()
	if err != nil {
		return nil, err
	}

	cfg := multiplexer.Config{
		Mode:      mode,
		FrameSize: frameSize,
		Server:    serverRole,
		Listener:  listener,
		Logger:    logger,
	}
	if !serverRole && !skipNegotiate {
		cfg.Chatter = atchat.New(link, time.Duration(chatTimeout)*time.Second, logger)
	}

	return multiplexer.New(link, cfg), nil
}
