// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package atchat sends AT commands on a raw link and collects the reply
// up to the final result code.
package atchat

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is the time allowed for a final result
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when no final result arrives in time
var ErrTimeout = errors.New("no final result from modem")

// ResultError is a failure result code such as ERROR or +CME ERROR: 10
type ResultError struct {
	Command string
	Result  string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Result)
}

// Port is a non-blocking byte link
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	WaitForReadyRead(timeout time.Duration) bool
}

// Chat runs AT commands on a Port. It is not safe for concurrent use.
type Chat struct {
	port    Port
	timeout time.Duration
	log     *slog.Logger
	partial []byte
}

// New creates a Chat. A zero timeout selects DefaultTimeout; a nil logger
// selects slog.Default.
func New(port Port, timeout time.Duration, logger *slog.Logger) *Chat {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{port: port, timeout: timeout, log: logger.WithGroup("atchat")}
}

// Chat sends a command and reports whether the modem answered OK
func (c *Chat) Chat(command string) error {
	_, err := c.Send(command)
	return err
}

// Send writes command followed by a carriage return and returns the
// information lines received before the final result
func (c *Chat) Send(command string) ([]string, error) {
	c.partial = c.partial[:0]

	c.log.Debug("send", "command", command)
	if _, err := c.port.Write([]byte(command + "\r")); err != nil {
		return nil, errors.Wrapf(err, "write %s", command)
	}

	var lines []string
	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, 256)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lines, errors.Wrapf(ErrTimeout, "%s after %s", command, c.timeout)
		}
		if !c.port.WaitForReadyRead(remaining) {
			continue
		}

		n, err := c.port.Read(buf)
		if err != nil {
			return lines, errors.Wrapf(err, "read reply to %s", command)
		}
		c.partial = append(c.partial, buf[:n]...)

		for {
			line, ok := c.nextLine()
			if !ok {
				break
			}
			if line == "" || line == command {
				continue
			}

			c.log.Debug("recv", "line", line)
			switch {
			case line == "OK" || line == "CONNECT" || strings.HasPrefix(line, "CONNECT "):
				return lines, nil
			case isFailure(line):
				return lines, &ResultError{Command: command, Result: line}
			default:
				lines = append(lines, line)
			}
		}
	}
}

// nextLine removes one line terminated by \n or \r from the partial buffer
func (c *Chat) nextLine() (string, bool) {
	for i, b := range c.partial {
		if b == '\n' || b == '\r' {
			line := strings.TrimSpace(string(c.partial[:i]))
			c.partial = c.partial[i+1:]
			return line, true
		}
	}
	return "", false
}

func isFailure(line string) bool {
	switch line {
	case "ERROR", "NO CARRIER", "BUSY", "NO ANSWER", "NO DIALTONE":
		return true
	}
	return strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR")
}
