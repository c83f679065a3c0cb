// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
	"github.com/Thermoquad/gsmmux/pkg/multiplexer"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxOutputLines  = 200
	atCommandLimit  = 256
	channelListWide = 30
)

// Focus states
const (
	focusChannelList = iota
	focusATInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// channelItem is one logical channel shown in the list
type channelItem struct {
	number  int
	name    string
	open    bool
	dsr     bool
	cts     bool
	carrier bool
	dtr     bool
	rts     bool
	rx      int
	tx      int
}

// Implement list.Item interface
func (c channelItem) Title() string {
	if c.name == "" {
		return fmt.Sprintf("Channel %d", c.number)
	}
	return fmt.Sprintf("Channel %d (%s)", c.number, c.name)
}

func (c channelItem) Description() string {
	state := "closed"
	if c.open {
		state = "open"
	}
	return fmt.Sprintf("%s %s", state, c.signalString())
}

func (c channelItem) FilterValue() string { return c.name }

func (c channelItem) signalString() string {
	flag := func(name string, on bool) string {
		if on {
			return name
		}
		return strings.ToLower(name)
	}
	return strings.Join([]string{
		flag("DSR", c.dsr), flag("CTS", c.cts), flag("DCD", c.carrier),
		flag("DTR", c.dtr), flag("RTS", c.rts),
	}, " ")
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string
	mode     gsm0710.Mode
	linkID   string

	// Channels
	channels    []channelItem
	channelList list.Model
	output      map[int][]string
	partial     map[int]string

	// Monitoring
	stats         gsm0710.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int

	// Control
	atInput      textinput.Model
	focusedField int

	// UI state
	width          int
	height         int
	connected      bool
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type channelStateMsg struct {
	channel int
	open    bool
}

type channelDataMsg struct {
	channel int
	data    []byte
}

type channelSignalMsg struct {
	channel int
	signal  byte
	on      bool
}

type controlLogMsg struct {
	message string
	isError bool
}

type pingResultMsg struct {
	rtt time.Duration
	err error
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
	mode     gsm0710.Mode
	linkID   string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(connMgr *connectionManager, names []string) controlModel {
	ti := textinput.New()
	ti.Placeholder = "AT"
	ti.CharLimit = atCommandLimit
	ti.Width = 40

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	channelList := list.New([]list.Item{}, delegate, channelListWide, 10)
	channelList.Title = "Channels"
	channelList.SetShowStatusBar(false)
	channelList.SetShowHelp(false)
	channelList.SetFilteringEnabled(false)

	m := controlModel{
		connMgr:       connMgr,
		connInfo:      "connecting...",
		channelList:   channelList,
		output:        make(map[int][]string),
		partial:       make(map[int]string),
		stats:         *gsm0710.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		atInput:       ti,
		focusedField:  focusChannelList,
		width:         80,
		height:        24,
	}

	for _, name := range names {
		number := multiplexer.DefaultChannelNumber(name)
		if number < 1 || m.findChannel(number) != nil {
			continue
		}
		m.channels = append(m.channels, newChannelItem(number, name))
	}
	m.updateChannelList()
	return m
}

func newChannelItem(number int, name string) channelItem {
	return channelItem{
		number: number,
		name:   name,
		dsr:    true,
		cts:    true,
		dtr:    true,
		rts:    true,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		return m.handleMouseMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.stats = m.connMgr.stats()
		return m, controlTickCmd()

	case channelStateMsg:
		item := m.ensureChannel(msg.channel)
		item.open = msg.open
		if msg.open {
			m.addLogEntry(fmt.Sprintf("Channel %d opened", msg.channel), false)
		} else {
			m.addLogEntry(fmt.Sprintf("Channel %d closed", msg.channel), false)
		}
		m.updateChannelList()

	case channelDataMsg:
		item := m.ensureChannel(msg.channel)
		item.rx += len(msg.data)
		m.appendOutput(msg.channel, string(msg.data))
		m.updateChannelList()

	case channelSignalMsg:
		item := m.ensureChannel(msg.channel)
		name := "?"
		switch msg.signal {
		case gsm0710.SignalDSR:
			item.dsr, name = msg.on, "DSR"
		case gsm0710.SignalCTS:
			item.cts, name = msg.on, "CTS"
		case gsm0710.SignalDCD:
			item.carrier, name = msg.on, "DCD"
		}
		state := "off"
		if msg.on {
			state = "on"
		}
		m.addLogEntry(fmt.Sprintf("Channel %d: %s %s", msg.channel, name, state), false)
		m.updateChannelList()

	case controlLogMsg:
		m.addLogEntry(msg.message, msg.isError)

	case pingResultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Ping failed: %v", msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Ping: rtt=%v", msg.rtt.Round(time.Millisecond)), false)
		}

	case connectionLostMsg:
		m.connected = false
		m.connectionLost = true
		for i := range m.channels {
			m.channels[i].open = false
		}
		m.updateChannelList()
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connected = true
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.mode = msg.mode
		m.linkID = msg.linkID
		m.addLogEntry(fmt.Sprintf("Multiplexer started on %s (link %s)", msg.connInfo, msg.linkID), false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusATInput {
		m.atInput, cmd = m.atInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.focusedField == focusChannelList {
		m.channelList, cmd = m.channelList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		return m.toggleFocus(), nil

	case "enter":
		if m.focusedField == focusATInput {
			return m.sendATCommand()
		}
		return m, nil
	}

	if m.focusedField == focusATInput {
		var cmd tea.Cmd
		m.atInput, cmd = m.atInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "o":
		return m.openSelected()
	case "c":
		return m.closeSelected()
	case "d":
		return m.toggleSignal(gsm0710.SignalDTR)
	case "r":
		return m.toggleSignal(gsm0710.SignalRTS)
	case "p":
		if !m.connected {
			m.addLogEntry("Cannot ping: not connected", true)
			return m, nil
		}
		return m, m.connMgr.pingCmd()
	case "up", "k", "down", "j":
		m.channelList, _ = m.channelList.Update(msg)
	}

	return m, nil
}

func (m *controlModel) handleMouseMsg(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft {
		return m, nil
	}

	m.channelList, _ = m.channelList.Update(msg)
	return m, nil
}

func (m *controlModel) toggleFocus() *controlModel {
	if m.focusedField == focusChannelList && m.getSelectedChannel() != nil {
		m.focusedField = focusATInput
		m.atInput.Focus()
	} else {
		m.focusedField = focusChannelList
		m.atInput.Blur()
	}
	return m
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// selectedChannel resolves the selected list entry to a live channel
func (m *controlModel) selectedChannel(action string) (*channelItem, *multiplexer.Channel) {
	if m.connectionLost || !m.connected {
		m.addLogEntry(fmt.Sprintf("Cannot %s: not connected", action), true)
		return nil, nil
	}
	item := m.getSelectedChannel()
	if item == nil {
		return nil, nil
	}
	c, err := m.connMgr.channel(item.number)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Cannot %s channel %d: %v", action, item.number, err), true)
		return nil, nil
	}
	return item, c
}

func (m *controlModel) openSelected() (tea.Model, tea.Cmd) {
	item, c := m.selectedChannel("open")
	if c == nil {
		return m, nil
	}
	if !c.IsOpen() {
		if err := c.Open(); err != nil {
			m.addLogEntry(fmt.Sprintf("Open channel %d failed: %v", item.number, err), true)
			return m, nil
		}
	}
	m.addLogEntry(fmt.Sprintf("Requested channel %d", item.number), false)
	return m, nil
}

func (m *controlModel) closeSelected() (tea.Model, tea.Cmd) {
	item := m.getSelectedChannel()
	if item == nil || !item.open {
		return m, nil
	}
	item, c := m.selectedChannel("close")
	if c == nil {
		return m, nil
	}
	if err := c.Close(); err != nil {
		m.addLogEntry(fmt.Sprintf("Close channel %d failed: %v", item.number, err), true)
		return m, nil
	}
	m.addLogEntry(fmt.Sprintf("Closing channel %d", item.number), false)
	return m, nil
}

func (m *controlModel) toggleSignal(signal byte) (tea.Model, tea.Cmd) {
	item, c := m.selectedChannel("set signals on")
	if c == nil {
		return m, nil
	}

	var err error
	var on bool
	name := "DTR"
	if signal == gsm0710.SignalDTR {
		on = !item.dtr
		if err = c.SetDTR(on); err == nil {
			item.dtr = on
		}
	} else {
		name = "RTS"
		on = !item.rts
		if err = c.SetRTS(on); err == nil {
			item.rts = on
		}
	}
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Set %s on channel %d failed: %v", name, item.number, err), true)
		return m, nil
	}

	m.updateChannelList()
	m.addLogEntry(fmt.Sprintf("Channel %d: %s %v", item.number, name, on), false)
	return m, nil
}

func (m *controlModel) sendATCommand() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.atInput.Value())
	if line == "" {
		return m, nil
	}
	item, c := m.selectedChannel("write to")
	if c == nil {
		return m, nil
	}

	n, err := c.Write([]byte(line + "\r"))
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Write to channel %d failed: %v", item.number, err), true)
		return m, nil
	}
	item.tx += n
	m.appendOutput(item.number, "> "+line+"\n")
	m.atInput.Reset()
	m.updateChannelList()
	return m, nil
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	helpText := "Tab=switch o/c=open/close d/r=DTR/RTS p=ping q=quit"
	s.WriteString(titleStyle.Render("GSMMUX CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, helpText)))
	s.WriteString("\n")
	if m.connected {
		s.WriteString(fmt.Sprintf(" %s %s  %s %s",
			statsLabelStyle.Render("Framing:"), statsValueStyle.Render(m.mode.String()),
			statsLabelStyle.Render("Link:"), statsValueStyle.Render(m.linkID)))
	} else if !m.connectionLost {
		s.WriteString(warningStyle.Render(" Starting multiplexer..."))
	}
	s.WriteString("\n\n")

	// Layout: left panel (channels) | right panel (terminal)
	rightWidth := m.width - channelListWide - 6
	if rightWidth < 20 {
		rightWidth = 20
	}

	listStyle := boxStyle.Width(channelListWide)
	if m.focusedField == focusChannelList {
		listStyle = focusedBoxStyle.Width(channelListWide)
	}
	channelPanel := listStyle.Render(m.channelList.View())

	terminalStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusATInput {
		terminalStyle = focusedBoxStyle.Width(rightWidth)
	}
	terminalPanel := terminalStyle.Render(m.renderTerminal(statsLabelStyle, statsValueStyle, headerStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, channelPanel, " ", terminalPanel))
	s.WriteString("\n\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderTerminal(statsLabelStyle, statsValueStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.getSelectedChannel()
	if selected == nil {
		s.WriteString(headerStyle.Render("No channel selected"))
		return s.String()
	}

	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		statsLabelStyle.Render(selected.Title()),
		statsValueStyle.Render(selected.Description()),
		headerStyle.Render("rx/tx"),
		statsValueStyle.Render(fmt.Sprintf("%d/%d", selected.rx, selected.tx))))

	lines := m.output[selected.number]
	if p := m.partial[selected.number]; p != "" {
		lines = append(lines[:len(lines):len(lines)], p)
	}
	height := m.height/2 - 4
	if height < 5 {
		height = 5
	}
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	for i := 0; i < height; i++ {
		if i < len(lines) {
			s.WriteString(lines[i])
		}
		s.WriteString("\n")
	}

	s.WriteString(statsLabelStyle.Render("AT: "))
	if m.focusedField == focusATInput {
		s.WriteString(m.atInput.View())
	} else {
		s.WriteString(headerStyle.Render("(Tab to type)"))
	}
	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	var validPercent, errorPercent float64
	totalErrors := m.stats.ErrorCount()
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}

	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// appendOutput adds received text to a channel's scrollback, splitting
// on line endings
func (m *controlModel) appendOutput(channel int, text string) {
	text = m.partial[channel] + strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")
	m.partial[channel] = lines[len(lines)-1]

	out := m.output[channel]
	for _, line := range lines[:len(lines)-1] {
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) > maxOutputLines {
		out = out[len(out)-maxOutputLines:]
	}
	m.output[channel] = out
}

func (m *controlModel) findChannel(number int) *channelItem {
	for i := range m.channels {
		if m.channels[i].number == number {
			return &m.channels[i]
		}
	}
	return nil
}

// ensureChannel returns the list entry for a channel, adding one for
// channels the peer opened
func (m *controlModel) ensureChannel(number int) *channelItem {
	if item := m.findChannel(number); item != nil {
		return item
	}
	m.channels = append(m.channels, newChannelItem(number, ""))
	sort.Slice(m.channels, func(i, j int) bool {
		return m.channels[i].number < m.channels[j].number
	})
	return m.findChannel(number)
}

func (m *controlModel) getSelectedChannel() *channelItem {
	if len(m.channels) == 0 {
		return nil
	}

	idx := m.channelList.Index()
	if idx < 0 || idx >= len(m.channels) {
		return nil
	}

	return &m.channels[idx]
}

func (m *controlModel) updateChannelList() {
	items := make([]list.Item, len(m.channels))
	for i, c := range m.channels {
		items[i] = c
	}
	m.channelList.SetItems(items)
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 5 {
		listHeight = 5
	}
	m.channelList.SetSize(channelListWide-2, listHeight)
}
