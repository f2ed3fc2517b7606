package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const defaultMaxLines = 5000

// lineMsg carries one physical line from the subscriber stream.
type lineMsg string

// streamClosedMsg ends the stream; err is nil on a clean EOF.
type streamClosedMsg struct{ err error }

type keyMap struct {
	Quit   key.Binding
	Follow key.Binding
	Top    key.Binding
	Bottom key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Follow: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "follow"),
		),
		Top: key.NewBinding(
			key.WithKeys("g", "home"),
			key.WithHelp("g", "top"),
		),
		Bottom: key.NewBinding(
			key.WithKeys("G", "end"),
			key.WithHelp("G", "bottom"),
		),
	}
}

// tailModel shows the live stream in a scrollable viewport with a status
// line. New lines keep the view pinned to the bottom while following.
type tailModel struct {
	addr     string
	lines    []string
	maxLines int
	stream   <-chan tea.Msg

	viewport viewport.Model
	ready    bool
	follow   bool
	closed   bool
	err      error
	keys     keyMap

	statusStyle lipgloss.Style
	accentStyle lipgloss.Style
	warnStyle   lipgloss.Style
}

func newTailModel(addr string, stream <-chan tea.Msg, maxLines int) *tailModel {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &tailModel{
		addr:        addr,
		maxLines:    maxLines,
		stream:      stream,
		viewport:    viewport.New(80, 20),
		follow:      true,
		keys:        defaultKeyMap(),
		statusStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		accentStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		warnStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
	}
}

// readStream forwards every line of r to ch, then a streamClosedMsg.
func readStream(r io.Reader, ch chan<- tea.Msg) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ch <- lineMsg(scanner.Text())
	}
	ch <- streamClosedMsg{err: scanner.Err()}
}

func waitForStream(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m *tailModel) Init() tea.Cmd {
	return waitForStream(m.stream)
}

func (m *tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-1)
		m.ready = true
		m.refresh()
		return m, nil

	case lineMsg:
		m.lines = append(m.lines, string(msg))
		if over := len(m.lines) - m.maxLines; over > 0 {
			m.lines = append(m.lines[:0], m.lines[over:]...)
		}
		m.refresh()
		return m, waitForStream(m.stream)

	case streamClosedMsg:
		m.closed = true
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Follow):
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		case key.Matches(msg, m.keys.Top):
			m.follow = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, m.keys.Bottom):
			m.follow = true
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd
	}
	return m, nil
}

func (m *tailModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *tailModel) View() string {
	if !m.ready {
		return "connecting to " + m.addr + "..."
	}
	return m.viewport.View() + "\n" + m.statusLine()
}

func (m *tailModel) statusLine() string {
	state := m.accentStyle.Render("following")
	switch {
	case m.closed && m.err != nil:
		state = m.warnStyle.Render("error: " + m.err.Error())
	case m.closed:
		state = m.warnStyle.Render("disconnected")
	case !m.follow:
		state = m.statusStyle.Render("paused")
	}
	help := fmt.Sprintf("%s %s  %s %s  %s %s",
		m.keys.Quit.Help().Key, m.keys.Quit.Help().Desc,
		m.keys.Follow.Help().Key, m.keys.Follow.Help().Desc,
		m.keys.Top.Help().Key+"/"+m.keys.Bottom.Help().Key, "top/bottom",
	)
	return m.statusStyle.Render(fmt.Sprintf(" dogd %s  %d lines  ", m.addr, len(m.lines))) +
		state + m.statusStyle.Render("  "+help)
}
