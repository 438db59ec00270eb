package model

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/modoterra/nodelog/pkg/core"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneLogs
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeEditor
	ModeConfirmRemove
)

const maxLogEntries = 500

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	node       string
	events     chan tea.Msg

	// State
	workers     []core.WorkerInfo
	selectedIdx int
	logTopic    string
	logEntries  []core.LogEntry
	logPaused   bool

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	// Editor
	editor *EditorModel

	// Remove confirmation
	removeTarget string

	// Error display
	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	si := textinput.New()
	si.Placeholder = "search..."
	si.CharLimit = 64

	return App{
		socketPath: socketPath,
		events:     make(chan tea.Msg, 256),
		search:     si,
		activePane: PaneList,
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("nodelog"),
	)
}

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	node   string
}

// workersMsg carries the full worker list from the daemon.
type workersMsg struct{ workers []core.WorkerInfo }

// deltaMsg carries a workers.delta event.
type deltaMsg uds.WorkersDelta

// topicMsg carries a topic.publish event.
type topicMsg uds.TopicEvent

// logHistoryMsg carries the stored log of the worker whose topic is now followed.
type logHistoryMsg struct {
	topic   string
	entries []core.LogEntry
}

// disconnectedMsg is sent when the daemon closes the connection.
type disconnectedMsg struct{}

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// actionResultMsg carries the result of an action.
type actionResultMsg struct{ msg string }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var pong uds.PingResponse
		if err := client.Call(ctx, uds.MethodPing, nil, &pong); err != nil {
			client.Close()
			return errorMsg{err}
		}
		return connectedMsg{client: client, node: pong.Node}
	}
}

// waitEventCmd delivers the next server-pushed event.
func waitEventCmd(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func watchDisconnectCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		<-client.Done()
		return disconnectedMsg{}
	}
}

func fetchWorkersCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var resp uds.ListWorkersResponse
		if err := client.Call(ctx, uds.MethodListWorkers, nil, &resp); err != nil {
			return errorMsg{err}
		}
		return workersMsg{resp.Workers}
	}
}

// followCmd moves the log subscription from one topic to another and
// seeds the log pane with the worker's stored history.
func followCmd(client *uds.Client, from, to, workerID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if from != "" {
			_ = client.Unsubscribe(ctx, from)
		}
		if to == "" {
			return logHistoryMsg{}
		}
		if err := client.Subscribe(ctx, to); err != nil {
			return errorMsg{err}
		}
		var resp uds.WorkerLogResponse
		if err := client.Call(ctx, uds.MethodGetWorkerLog, uds.WorkerRequest{ID: workerID}, &resp); err != nil {
			return errorMsg{err}
		}
		return logHistoryMsg{topic: to, entries: resp.Entries}
	}
}

func actionCmd(client *uds.Client, workerID, action string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_, err := client.Request(ctx, uds.MethodAction, uds.ActionRequest{
			WorkerID: workerID,
			Action:   action,
		})
		if err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: action + " → " + workerID}
	}
}

func removeCmd(client *uds.Client, workerID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := client.Request(ctx, uds.MethodStopWorker, uds.WorkerRequest{ID: workerID}); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: "removed " + workerID}
	}
}

func startWorkerCmd(client *uds.Client, req uds.StartWorkerRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var info core.WorkerInfo
		if err := client.Call(ctx, uds.MethodStartWorker, req, &info); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: "started " + info.ID}
	}
}

// forwardEvents routes server-pushed messages into the app's event channel.
// Events are dropped when the channel is full.
func forwardEvents(events chan<- tea.Msg) uds.EventHandler {
	return func(m uds.Message) {
		var msg tea.Msg
		switch m.Method {
		case uds.EventWorkersDelta:
			var d uds.WorkersDelta
			if m.UnmarshalData(&d) != nil {
				return
			}
			msg = deltaMsg(d)
		case uds.EventTopicPublish:
			var evt uds.TopicEvent
			if m.UnmarshalData(&evt) != nil {
				return
			}
			msg = topicMsg(evt)
		default:
			return
		}
		select {
		case events <- msg:
		default:
		}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.node = msg.node
		a.statusMsg = "connected to " + msg.node
		a.client.OnEvent(forwardEvents(a.events))
		return a, tea.Batch(
			fetchWorkersCmd(a.client),
			waitEventCmd(a.events),
			watchDisconnectCmd(a.client),
		)

	case disconnectedMsg:
		a.connected = false
		a.client = nil
		a.logTopic = ""
		a.statusMsg = "disconnected from daemon"
		return a, nil

	case workersMsg:
		a.workers = sortWorkers(msg.workers)
		a.clampSelection()
		return a.follow()

	case deltaMsg:
		a.workers = applyDelta(a.workers, uds.WorkersDelta(msg))
		a.clampSelection()
		model, cmd := a.follow()
		return model, tea.Batch(cmd, waitEventCmd(a.events))

	case topicMsg:
		if msg.Topic == a.logTopic && !a.logPaused {
			a.appendLog(core.LogEntry{
				Kind:     core.EntryLine,
				TsUnixMs: time.Now().UnixMilli(),
				Text:     msg.Payload,
			})
		}
		return a, waitEventCmd(a.events)

	case logHistoryMsg:
		a.logTopic = msg.topic
		a.logEntries = nil
		for _, e := range msg.entries {
			a.appendLog(e)
		}
		return a, nil

	case actionResultMsg:
		a.statusMsg = msg.msg
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) appendLog(e core.LogEntry) {
	a.logEntries = append(a.logEntries, e)
	if len(a.logEntries) > maxLogEntries {
		a.logEntries = a.logEntries[len(a.logEntries)-maxLogEntries:]
	}
}

func (a *App) clampSelection() {
	if n := len(a.filteredWorkers()); a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

// follow subscribes to the selected worker's log topic when it changed.
func (a App) follow() (tea.Model, tea.Cmd) {
	if a.client == nil {
		return a, nil
	}
	var topic, id string
	if w := a.selectedWorker(); w != nil {
		topic, id = w.Topic, w.ID
	}
	if topic == a.logTopic {
		return a, nil
	}
	from := a.logTopic
	a.logTopic = topic
	a.logEntries = nil
	return a, followCmd(a.client, from, topic, id)
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Search mode
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			a.clampSelection()
			return a.follow()
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			return a.follow()
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			a.clampSelection()
			return a, cmd
		}
	}

	// Editor mode
	if a.mode == ModeEditor && a.editor != nil {
		return a.editor.HandleKey(a, msg)
	}

	// Remove confirmation mode
	if a.mode == ModeConfirmRemove {
		switch msg.String() {
		case "y", "Y":
			name := a.removeTarget
			a.mode = ModeNormal
			a.removeTarget = ""
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = "removing " + name + "..."
			return a, removeCmd(a.client, name)
		default:
			a.mode = ModeNormal
			a.removeTarget = ""
			a.statusMsg = "remove cancelled"
			return a, nil
		}
	}

	// Normal mode
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList && len(a.filteredWorkers()) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.filteredWorkers())-1)
			return a.follow()
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
			return a.follow()
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "r":
		return a.doAction("restart")
	case "s":
		return a.doAction("stop")
	case "t":
		return a.doAction("start")

	case "l":
		a.activePane = PaneLogs

	case " ":
		if a.activePane == PaneLogs {
			a.logPaused = !a.logPaused
		}

	case "a":
		a.editor = NewEditor()
		a.mode = ModeEditor

	case "d":
		if w := a.selectedWorker(); w != nil {
			a.removeTarget = w.ID
			a.mode = ModeConfirmRemove
			a.statusMsg = "Remove " + a.removeTarget + "? (y/n)"
		}
	}

	return a, nil
}

func (a App) doAction(action string) (tea.Model, tea.Cmd) {
	w := a.selectedWorker()
	if a.client == nil || w == nil {
		return a, nil
	}
	return a, actionCmd(a.client, w.ID, action)
}

func (a App) filteredWorkers() []core.WorkerInfo {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.workers
	}
	return lo.Filter(a.workers, func(w core.WorkerInfo, _ int) bool {
		return strings.Contains(strings.ToLower(w.ID), q) ||
			strings.Contains(strings.ToLower(string(w.Kind)), q) ||
			strings.Contains(strings.ToLower(string(w.Status)), q)
	})
}

func (a App) selectedWorker() *core.WorkerInfo {
	workers := a.filteredWorkers()
	if a.selectedIdx < len(workers) {
		return &workers[a.selectedIdx]
	}
	return nil
}

func sortWorkers(workers []core.WorkerInfo) []core.WorkerInfo {
	slices.SortFunc(workers, func(x, y core.WorkerInfo) int {
		return strings.Compare(x.ID, y.ID)
	})
	return workers
}

// applyDelta merges a workers.delta event into a sorted worker list.
func applyDelta(workers []core.WorkerInfo, d uds.WorkersDelta) []core.WorkerInfo {
	out := lo.Reject(workers, func(w core.WorkerInfo, _ int) bool {
		return lo.Contains(d.Removed, w.ID)
	})
	for _, info := range append(d.Added, d.Updated...) {
		if _, idx, ok := lo.FindIndexOf(out, func(w core.WorkerInfo) bool { return w.ID == info.ID }); ok {
			out[idx] = info
		} else {
			out = append(out, info)
		}
	}
	return sortWorkers(out)
}
