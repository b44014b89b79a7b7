// Command threadctl is a terminal browser for a threadkit database:
// list stored threads, inspect their envelopes, delete them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/threadkit/threadkit/pkg/store"
	"github.com/threadkit/threadkit/pkg/store/sqlite"
	"github.com/threadkit/threadkit/pkg/thread"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateList state = iota
	stateDetail
	stateConfirmDelete
)

type threadsLoadedMsg []store.ThreadInfo
type detailLoadedMsg string
type deletedMsg struct{}
type errMsg struct{ err error }

type model struct {
	ctx     context.Context
	threads store.ThreadStore

	state      state
	infos      []store.ThreadInfo
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	viewport viewport.Model
}

func initialModel(ctx context.Context, threads store.ThreadStore) model {
	vp := viewport.New(80, 20)
	return model{
		ctx:      ctx,
		threads:  threads,
		state:    stateList,
		viewport: vp,
	}
}

func (m model) Init() tea.Cmd {
	return m.loadThreads
}

func (m model) loadThreads() tea.Msg {
	infos, err := m.threads.List(m.ctx)
	if err != nil {
		return errMsg{err}
	}
	return threadsLoadedMsg(infos)
}

func (m model) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		data, found, err := m.threads.Load(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		if !found {
			return errMsg{fmt.Errorf("thread %s no longer exists", id)}
		}
		env, err := thread.ParseEnvelope(data)
		if err != nil {
			return errMsg{err}
		}
		pretty, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg(pretty)
	}
}

func (m model) deleteThread(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.threads.Delete(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return deletedMsg{}
	}
}

func (m model) selected() (store.ThreadInfo, bool) {
	if m.cursor < 0 || m.cursor >= len(m.infos) {
		return store.ThreadInfo{}, false
	}
	return m.infos[m.cursor], true
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		return m, nil

	case threadsLoadedMsg:
		m.infos = msg
		if m.cursor >= len(m.infos) {
			m.cursor = len(m.infos) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil

	case detailLoadedMsg:
		m.viewport.SetContent(string(msg))
		m.viewport.GotoTop()
		m.state = stateDetail
		return m, nil

	case deletedMsg:
		m.state = stateList
		return m, m.loadThreads

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.err = nil

	switch m.state {
	case stateList:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case "down", "j":
			if m.cursor < len(m.infos)-1 {
				m.cursor++
				if m.cursor >= m.listOffset+m.maxViewable() {
					m.listOffset = m.cursor - m.maxViewable() + 1
				}
			}
		case "enter":
			if info, ok := m.selected(); ok {
				return m, m.loadDetail(info.ID)
			}
		case "d":
			if _, ok := m.selected(); ok {
				m.state = stateConfirmDelete
			}
		case "r":
			return m, m.loadThreads
		}
		return m, nil

	case stateDetail:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "esc":
			m.state = stateList
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case stateConfirmDelete:
		switch msg.String() {
		case "y", "Y":
			if info, ok := m.selected(); ok {
				return m, m.deleteThread(info.ID)
			}
			m.state = stateList
		default:
			m.state = stateList
		}
		return m, nil
	}
	return m, nil
}

func (m model) maxViewable() int {
	n := m.height - 6
	if n < 1 {
		n = 1
	}
	return n
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateDetail:
		info, _ := m.selected()
		header := titleStyle.Render("Thread " + info.ID)
		footer := dimStyle.Render("Esc to go back, q to quit.")
		return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), footer, errorView)

	case stateConfirmDelete:
		info, _ := m.selected()
		header := titleStyle.Render("Delete Thread")
		prompt := fmt.Sprintf("Delete thread %s? (y/N)", info.ID)
		return lipgloss.JoinVertical(lipgloss.Left, header, "", prompt, errorView)
	}

	header := titleStyle.Render("Threads")
	if len(m.infos) == 0 {
		empty := dimStyle.Render("No threads stored.")
		footer := dimStyle.Render("r to refresh, q to quit.")
		return lipgloss.JoinVertical(lipgloss.Left, header, "", empty, "", footer, errorView)
	}

	start := m.listOffset
	end := start + m.maxViewable()
	if end > len(m.infos) {
		end = len(m.infos)
	}

	var rows []string
	for i := start; i < end; i++ {
		info := m.infos[i]
		cursor := " "
		line := fmt.Sprintf("%-36s %8dB  %s", info.ID, info.Size,
			info.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		rows = append(rows, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}

	list := lipgloss.JoinVertical(lipgloss.Left, rows...)
	footer := dimStyle.Render("Enter to inspect, d to delete, r to refresh, q to quit.")
	return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
}

func main() {
	dbPath := flag.String("db", "threadkit.db", "SQLite database path")
	flag.Parse()

	threads, err := sqlite.New(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer threads.Close()

	p := tea.NewProgram(initialModel(context.Background(), threads), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "threadctl: %v\n", err)
		os.Exit(1)
	}
}
