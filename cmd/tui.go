// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// Last modem status seen per channel
type channelStatus struct {
	timestamp time.Time
	signals   byte
}

// TUI model
type model struct {
	connInfo      string
	mode          gsm0710.Mode
	statsInterval int
	showAll       bool
	stats         *gsm0710.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	width         int
	height        int
	quitting      bool
	linkErr       error
	modemStatus   map[int]channelStatus
}

// Messages
type tickMsg time.Time
type frameMsg frameEvent
type syncMsg struct {
	invalidBytes int
}
type linkClosedMsg struct {
	err error
}

// formatDuration formats an elapsed time as a short human-friendly string
func formatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	hours := seconds / 3600
	minutes := (seconds / 60) % 60
	seconds %= 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func initialModel(connInfo string, mode gsm0710.Mode, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		mode:          mode,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         gsm0710.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		modemStatus:   make(map[int]channelStatus),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case linkClosedMsg:
		m.linkErr = msg.err
		m.addLogEntry(fmt.Sprintf("Connection closed: %v", msg.err), true)

	case frameMsg:
		if msg.decodeErr != nil {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
			break
		}

		m.stats.Update(msg.frame, nil, msg.validationErrors)
		m.trackModemStatus(msg.frame)

		frameType := gsm0710.FormatFrameType(msg.frame.Type)
		if len(msg.validationErrors) > 0 {
			for _, err := range msg.validationErrors {
				m.addLogEntry(fmt.Sprintf("%s ch=%d: %s", frameType, msg.frame.Channel, err.Message), true)
			}
		} else if m.showAll {
			m.addLogEntry(fmt.Sprintf("%s ch=%d len=%d", frameType, msg.frame.Channel, len(msg.frame.Payload)), false)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// trackModemStatus records MSC commands seen on the control channel
func (m *model) trackModemStatus(frame *gsm0710.Frame) {
	if !frame.IsControlChannel() || frame.Type != gsm0710.TypeUIH {
		return
	}
	cmd, err := gsm0710.ParseCommand(frame.Payload)
	if err != nil || cmd.Type != gsm0710.CmdMSC || !cmd.IsCommand {
		return
	}
	channel, signals, err := cmd.ModemStatus()
	if err != nil {
		return
	}
	m.modemStatus[channel] = channelStatus{timestamp: frame.Timestamp, signals: signals}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("GSMMUX - ERROR DETECTION"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s framing | Mode: %s | 'r' reset, 'q' quit",
		m.connInfo, m.mode, func() string {
			if m.showAll {
				return "All frames"
			}
			return "Errors only"
		}())))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.linkErr != nil:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
		s.WriteString("\n\n")
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
		s.WriteString("\n\n")
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	totalErrors := m.stats.ErrorCount()
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
		statsLabelStyle.Render("Elapsed:"), statsValueStyle.Render(formatDuration(time.Since(m.stats.StartTime))),
	))

	if m.stats.FCSErrors > 0 || m.stats.UnknownTypes > 0 || m.stats.OversizedFrames > 0 || m.stats.DecodeErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("FCS:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.FCSErrors)),
			statsLabelStyle.Render("Unknown:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.UnknownTypes)),
			statsLabelStyle.Render("Too Large:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.OversizedFrames)),
			statsLabelStyle.Render("Decode:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.DecodeErrors)),
		))
	}

	if m.stats.MalformedFrames > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d)\n",
			statsLabelStyle.Render("Malformed:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.MalformedFrames)),
			headerStyle.Render("bad commands"), m.stats.BadCommands,
			headerStyle.Render("over frame size"), m.stats.OversizedPayloads,
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Per-channel traffic and last modem status
	channelContent := strings.Builder{}
	for ch, n := range m.stats.ChannelFrames {
		if n == 0 {
			continue
		}
		line := fmt.Sprintf("%s %s", statsLabelStyle.Render(fmt.Sprintf("Ch %2d:", ch)),
			statsValueStyle.Render(fmt.Sprintf("%d frames", n)))
		if st, ok := m.modemStatus[ch]; ok {
			line += headerStyle.Render(fmt.Sprintf("   MSC %s at %s",
				gsm0710.FormatSignals(st.signals), st.timestamp.Format("15:04:05")))
		}
		channelContent.WriteString(line + "\n")
	}
	if channelContent.Len() > 0 {
		s.WriteString(statsLabelStyle.Render("Channels:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(strings.TrimRight(channelContent.String(), "\n")))
		s.WriteString("\n\n")
	}

	// Error log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 15 - len(m.modemStatus)
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
