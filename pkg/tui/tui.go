// Package tui provides the terminal pin editor and hit monitor for microdrum2midi
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/transport"
)

// Limits of the scrolling panes
const (
	HistorySize   = 20
	LogSize       = 200
	meterDecay    = 6
	meterInterval = 100 * time.Millisecond
)

// Drum-kit color scheme
var (
	cymbalGold = lipgloss.Color("#FFC94A")
	shellRed   = lipgloss.Color("#E8453C")
	chromeGray = lipgloss.Color("#C0C0C0")
	darkGray   = lipgloss.Color("#333333")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cymbalGold).
			Background(darkGray).
			Padding(0, 2).
			MarginBottom(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(chromeGray).
			PaddingLeft(2)

	selectedStyle = lipgloss.NewStyle().
			Foreground(cymbalGold).
			Bold(true).
			PaddingLeft(2)

	statusStyle = lipgloss.NewStyle().
			Foreground(cymbalGold).
			PaddingTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(shellRed).
			Bold(true)

	meterStyle = lipgloss.NewStyle().
			Foreground(shellRed)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(cymbalGold).
			Padding(0, 1)
)

// State represents the current TUI screen
type State int

const (
	StatePins State = iota
	StateMonitor
	StateFilePicker
)

// HistoryEntry is one line of the MIDI history pane
type HistoryEntry struct {
	Time  time.Time
	Event protocol.NoteEvent
	Pins  []int
}

// Model represents the TUI model
type Model struct {
	ctrl   *bridge.Controller
	serial transport.Config

	state      State
	pinIndex   int
	paramIndex int
	busy       string
	message    string
	err        error

	history []HistoryEntry
	logs    []string
	meters  [pins.PinCount]uint8
	status  bridge.Status

	filePicker filepicker.Model
	spinner    spinner.Model
	width      int
	height     int
}

// EventMsg carries a bridge notification into the update loop
type EventMsg bridge.Event

// opDoneMsg signals completion of a device or file operation
type opDoneMsg struct {
	op  string
	err error
}

type decayMsg time.Time

// New creates a model editing ctrl's pin table
func New(ctrl *bridge.Controller, serial transport.Config) Model {
	fp := filepicker.New()
	fp.AllowedTypes = []string{".ini", ".txt"}
	fp.CurrentDirectory, _ = os.Getwd()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(cymbalGold)

	return Model{
		ctrl:       ctrl,
		serial:     serial,
		state:      StatePins,
		filePicker: fp,
		spinner:    s,
		status:     ctrl.Status(),
		height:     24,
	}
}

// Init starts the spinner and the meter decay ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, decayTick())
}

func decayTick() tea.Cmd {
	return tea.Tick(meterInterval, func(t time.Time) tea.Msg { return decayMsg(t) })
}

// Update handles TUI updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.filePicker.SetHeight(msg.Height - 10)
		return m, nil

	case tea.KeyMsg:
		if m.state == StateFilePicker {
			return m.updatePicker(msg)
		}
		return m.updateKeys(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case decayMsg:
		for i, v := range m.meters {
			if v > meterDecay {
				m.meters[i] = v - meterDecay
			} else {
				m.meters[i] = 0
			}
		}
		return m, decayTick()

	case EventMsg:
		m.applyEvent(bridge.Event(msg))
		return m, nil

	case opDoneMsg:
		m.busy = ""
		m.err = msg.err
		if msg.err == nil {
			m.message = msg.op + " done"
		}
		m.status = m.ctrl.Status()
		return m, nil
	}

	// Directory reads and other picker messages
	if m.state == StateFilePicker {
		return m.updatePicker(msg)
	}
	return m, nil
}

// updatePicker hands keys and directory listings to the open file picker
func (m Model) updatePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "esc":
			m.state = StatePins
			return m, nil
		case "ctrl+c":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.filePicker, cmd = m.filePicker.Update(msg)
	if didSelect, path := m.filePicker.DidSelectFile(msg); didSelect {
		m.state = StatePins
		cmd = m.run("load "+filepath.Base(path), func(context.Context) error {
			return m.ctrl.Store().LoadFile(path)
		})
	}
	return m, cmd
}

func (m *Model) applyEvent(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventNote:
		matched := m.ctrl.Store().PinsForNote(ev.Note.Note)
		if ev.Note.IsNoteOn() {
			for _, pin := range matched {
				if ev.Note.Velocity > m.meters[pin] {
					m.meters[pin] = ev.Note.Velocity
				}
			}
		}
		m.history = append(m.history, HistoryEntry{Time: ev.Time, Event: ev.Note, Pins: matched})
		if len(m.history) > HistorySize {
			m.history = m.history[len(m.history)-HistorySize:]
		}
	case bridge.EventLog:
		m.logs = append(m.logs, ev.Message)
		if len(m.logs) > LogSize {
			m.logs = m.logs[len(m.logs)-LogSize:]
		}
	case bridge.EventStatus:
		m.status = ev.Status
	case bridge.EventParam:
		m.status.Received++
	}
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.state == StatePins {
			m.state = StateMonitor
		} else {
			m.state = StatePins
		}
		return m, nil
	case "up", "k":
		if m.pinIndex > 0 {
			m.pinIndex--
		}
	case "down", "j":
		if m.pinIndex < pins.PinCount-1 {
			m.pinIndex++
		}
	case "left", "h":
		if m.paramIndex > 0 {
			m.paramIndex--
		}
	case "right", "l":
		if m.paramIndex < len(pins.Params)-1 {
			m.paramIndex++
		}
	case "+", "=":
		return m.adjust(1, false)
	case "-", "_":
		return m.adjust(-1, false)
	case "pgup":
		return m.adjust(10, false)
	case "pgdown":
		return m.adjust(-10, false)
	case "s":
		return m.adjust(0, true)
	case "c":
		return m.toggleConnection()
	case "u":
		pin := m.pinIndex
		return m.withEngine(fmt.Sprintf("upload pin %d", pin), func(ctx context.Context, e *protocol.Engine) error {
			return e.RequestAll(ctx, pin)
		})
	case "U":
		return m.withEngine("upload all pins", func(ctx context.Context, e *protocol.Engine) error {
			return e.RequestAllPins(ctx)
		})
	case "d":
		pin := m.pinIndex
		return m.withEngine(fmt.Sprintf("download pin %d", pin), func(ctx context.Context, e *protocol.Engine) error {
			return e.DownloadPin(ctx, pin, true)
		})
	case "X":
		return m.withEngine("disable all pins", func(ctx context.Context, e *protocol.Engine) error {
			return e.DisableAll(ctx, true)
		})
	case "m":
		next := nextMode(m.status.Mode)
		return m.withEngine("mode "+next.String(), func(_ context.Context, e *protocol.Engine) error {
			return e.ChangeMode(next)
		})
	case "w":
		cmd := m.run("save pin file", func(context.Context) error {
			return m.ctrl.Persist()
		})
		return m, cmd
	case "o":
		m.state = StateFilePicker
		return m, m.filePicker.Init()
	}
	return m, nil
}

func nextMode(current string) protocol.Mode {
	switch current {
	case protocol.ModeSetup.String():
		return protocol.ModeMIDI
	case protocol.ModeMIDI.String():
		return protocol.ModeLog
	}
	return protocol.ModeSetup
}

// adjust changes the selected parameter by delta, sending it when a session is open
func (m Model) adjust(delta int, save bool) (tea.Model, tea.Cmd) {
	pin, p := m.pinIndex, pins.Params[m.paramIndex]
	v, err := m.ctrl.Store().Value(pin, p)
	if err != nil {
		m.err = err
		return m, nil
	}
	next, _ := pins.Clamp(int(v) + delta)

	engine, err := m.ctrl.Engine()
	if err != nil {
		_ = m.ctrl.Store().Set(pin, p, next)
		m.message = fmt.Sprintf("pin %d %s = %d (offline)", pin, p, next)
		return m, nil
	}
	label := fmt.Sprintf("pin %d %s = %d", pin, p, next)
	cmd := m.run(label, func(context.Context) error {
		return engine.SetParam(pin, p, int(next), save)
	})
	return m, cmd
}

func (m Model) toggleConnection() (tea.Model, tea.Cmd) {
	if m.status.Connected {
		cmd := m.run("disconnect", func(context.Context) error {
			return m.ctrl.Close()
		})
		return m, cmd
	}
	cfg := m.serial
	cmd := m.run("connect", func(context.Context) error {
		return m.ctrl.Open(cfg)
	})
	return m, cmd
}

func (m Model) withEngine(op string, fn func(context.Context, *protocol.Engine) error) (tea.Model, tea.Cmd) {
	engine, err := m.ctrl.Engine()
	if err != nil {
		m.err = err
		return m, nil
	}
	cmd := m.run(op, func(ctx context.Context) error {
		return fn(ctx, engine)
	})
	return m, cmd
}

// run marks the model busy and performs fn off the update loop
func (m *Model) run(op string, fn func(context.Context) error) tea.Cmd {
	m.busy = op
	m.err = nil
	m.message = ""
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return opDoneMsg{op: op, err: fn(context.Background())}
	})
}

// View renders the TUI
func (m Model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(" MICRODRUM2MIDI "))
	s.WriteString(" ")
	s.WriteString(m.viewStatus())
	s.WriteString("\n")

	switch m.state {
	case StatePins:
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.viewPins(), m.viewDetail()))
	case StateMonitor:
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.viewHistory(), m.viewLogs()))
	case StateFilePicker:
		s.WriteString(titleStyle.Render(" LOAD PIN FILE "))
		s.WriteString("\n")
		s.WriteString(m.filePicker.View())
		s.WriteString("\n")
		s.WriteString(helpStyle.Render("esc: back"))
		return s.String()
	}

	s.WriteString("\n")
	switch {
	case m.busy != "":
		s.WriteString(fmt.Sprintf("%s %s...", m.spinner.View(), m.busy))
	case m.err != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s", m.err.Error())))
	case m.message != "":
		s.WriteString(statusStyle.Render(m.message))
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("↑/↓: pin • ←/→: param • +/-: edit • s: save to device • c: connect • u/U: upload • d: download • m: mode • w: write file • o: open file • tab: monitor • q: quit"))

	return s.String()
}

func (m Model) viewStatus() string {
	if !m.status.Connected {
		return errorStyle.Render("disconnected")
	}
	loaded := "loading"
	if m.status.ConfigsLoaded {
		loaded = "loaded"
	}
	return statusStyle.UnsetPaddingTop().Render(fmt.Sprintf("%s • %d baud • %s mode • config %s • %d params",
		m.status.Port, m.status.BaudRate, m.status.Mode, loaded, m.status.Received))
}

// visibleRows returns the pin range shown for the current height
func (m Model) visibleRows() (int, int) {
	rows := m.height - 8
	if rows < 8 {
		rows = 8
	}
	if rows > pins.PinCount {
		rows = pins.PinCount
	}
	start := m.pinIndex - rows/2
	if start < 0 {
		start = 0
	}
	if start+rows > pins.PinCount {
		start = pins.PinCount - rows
	}
	return start, start + rows
}

func (m Model) viewPins() string {
	var s strings.Builder
	table := m.ctrl.Store().Snapshot()
	start, end := m.visibleRows()

	s.WriteString(fmt.Sprintf("  %-3s %-12s %-8s %-10s %s\n", "PIN", "NAME", "TYPE", "NOTE", "HIT"))
	for i := start; i < end; i++ {
		pp := table[i]
		line := fmt.Sprintf("%-3d %-12s %-8s %-10s %s", i, truncate(pp.Name, 12), pp.Type, pins.NoteName(pp.Note), meterBar(m.meters[i], 10))
		if i == m.pinIndex {
			s.WriteString(selectedStyle.Render("▸" + line))
		} else {
			s.WriteString(rowStyle.Render(" " + line))
		}
		s.WriteString("\n")
	}
	return boxStyle.Render(s.String())
}

func (m Model) viewDetail() string {
	var s strings.Builder
	pp, _ := m.ctrl.Store().Get(m.pinIndex)

	s.WriteString(titleStyle.Render(fmt.Sprintf(" PIN %02d ", m.pinIndex)))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("name: %s\n", pp.Name))
	for i, p := range pins.Params {
		v, _ := pp.Value(p)
		line := fmt.Sprintf("%-11s %3d", p.String(), v)
		switch p {
		case pins.ParamNote:
			line += "  " + pins.NoteName(v)
		case pins.ParamType:
			line += "  " + pins.PinType(v).String()
		}
		if i == m.paramIndex {
			s.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			s.WriteString(rowStyle.Render("  " + line))
		}
		s.WriteString("\n")
	}
	return boxStyle.Render(s.String())
}

func (m Model) viewHistory() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(" MIDI "))
	s.WriteString("\n")
	for i := len(m.history) - 1; i >= 0; i-- {
		h := m.history[i]
		pinsText := "-"
		if len(h.Pins) > 0 {
			parts := make([]string, len(h.Pins))
			for j, p := range h.Pins {
				parts[j] = fmt.Sprintf("%d", p)
			}
			pinsText = strings.Join(parts, ",")
		}
		s.WriteString(fmt.Sprintf("%s %-24s pin %s\n", h.Time.Format("15:04:05.000"), h.Event.String(), pinsText))
	}
	return boxStyle.Render(s.String())
}

func (m Model) viewLogs() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(" LOG "))
	s.WriteString("\n")
	rows := m.height - 8
	if rows < 5 {
		rows = 5
	}
	start := len(m.logs) - rows
	if start < 0 {
		start = 0
	}
	for _, line := range m.logs[start:] {
		s.WriteString(line)
		s.WriteString("\n")
	}
	return boxStyle.Render(s.String())
}

func meterBar(v uint8, width int) string {
	filled := int(v) * width / 127
	return meterStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("·", width-filled)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Run starts the TUI application, feeding it the controller's notifications until it quits
func Run(ctrl *bridge.Controller, serial transport.Config) error {
	p := tea.NewProgram(New(ctrl, serial), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, ctrl.Events(), p.Send)

	_, err := p.Run()
	return err
}

// pump delivers queued events to send until ctx ends
func pump(ctx context.Context, n *bridge.Notifier, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.Events():
			send(EventMsg(ev))
		}
	}
}
