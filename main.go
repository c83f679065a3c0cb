// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// gsmmux - GSM 07.10 Multiplexer Tool
//
// A CLI tool for running GSM 07.10 / 3GPP 27.010 multiplexer sessions over
// serial ports and WebSocket bridges, and for decoding the frames on the
// wire in human-readable format.

package main

import (
	"os"

	"github.com/Thermoquad/gsmmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
