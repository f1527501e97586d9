// Command voxctl is the operator console of SPEC_FULL.md §3: it attaches to
// a running relayvoxd's /ops/ws feed and renders the live turn timeline as
// it happens. It is not the client-side audio capture/playback UI spec.md
// §1 excludes — voxctl never touches audio, only the per-turn telemetry
// the pipeline runtime already records for spec.md §4.J's metrics hook.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/muesli/reflow/wordwrap"

	"github.com/relayvox/relayvox/internal/opsfeed"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8000/ops/ws", "relayvoxd ops feed websocket URL")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "voxctl:", err)
		os.Exit(1)
	}
}

type turnEventMsg opsfeed.Event
type connErrMsg error
type connectedMsg struct{ conn *websocket.Conn }

// model is the Elm-architecture state: a rolling window of recent turns
// rendered through a bubbles table, plus the websocket connection
// delivering new ones.
type model struct {
	addr   string
	conn   *websocket.Conn
	turns  []opsfeed.Event
	table  table.Model
	status string
	width  int
	height int
}

const maxRows = 50

func newModel(addr string) model {
	cols := []table.Column{
		{Title: "turn", Width: 8},
		{Title: "session", Width: 10},
		{Title: "state", Width: 12},
		{Title: "tts_first_audio", Width: 16},
	}
	t := table.New(table.WithColumns(cols), table.WithFocused(false), table.WithHeight(15))
	return model{addr: addr, status: "connecting...", table: t}
}

func (m model) Init() tea.Cmd {
	return connectCmd(m.addr)
}

func connectCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			return connErrMsg(err)
		}
		return connectedMsg{conn: conn}
	}
}

// readCmd reads the next decodable Event off conn, skipping messages that
// fail to unmarshal into an Event rather than surfacing them as connection
// errors. The feed's keepalive pings are websocket control frames, which
// ReadMessage never returns.
func readCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return connErrMsg(err)
			}
			var e opsfeed.Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			return turnEventMsg(e)
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil
	case connectedMsg:
		m.conn = msg.conn
		m.status = "connected to " + m.addr
		return m, readCmd(msg.conn)
	case connErrMsg:
		m.status = "error: " + msg.Error()
		return m, nil
	case turnEventMsg:
		m.turns = append(m.turns, opsfeed.Event(msg))
		if len(m.turns) > maxRows {
			m.turns = m.turns[len(m.turns)-maxRows:]
		}
		m.table.SetRows(rowsFor(m.turns))
		return m, readCmd(m.conn)
	}
	return m, nil
}

func rowsFor(turns []opsfeed.Event) []table.Row {
	rows := make([]table.Row, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		e := turns[i]
		state := "done"
		if e.Interrupted {
			state = "interrupted"
		}
		sess := e.SessionID
		if len(sess) > 8 {
			sess = sess[:8]
		}
		firstAudio := "-"
		if !e.TTSFirstAudio.IsZero() && !e.VADEnd.IsZero() {
			firstAudio = e.TTSFirstAudio.Sub(e.VADEnd).Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{fmt.Sprintf("%d", e.TurnID), sess, state, firstAudio})
	}
	return rows
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func (m model) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}

	header := wordwrap.String(headerStyle.Render(fmt.Sprintf("relayvox operator console — %s", m.status)), width)
	return header + "\n\n" + m.table.View() + "\n" + dimStyle.Render("q to quit")
}
