package model

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/transport/uds"
)

// EditorField is a named text input in the editor form.
type EditorField struct {
	Label string
	Input textinput.Model
}

// EditorModel is the inline form that starts an ad-hoc worker.
type EditorModel struct {
	fields    []EditorField
	activeIdx int
	err       string
}

// NewEditor creates a blank form. An empty id lets the daemon pick one.
func NewEditor() *EditorModel {
	fields := []EditorField{
		newField("id", ""),
		newField("command", ""),
		newField("args", ""),
		newField("dir", ""),
		newField("kind", "worker"),
		newField("restart", "on-failure"),
	}
	fields[0].Input.Focus()
	return &EditorModel{fields: fields}
}

func newField(label, value string) EditorField {
	ti := textinput.New()
	ti.Placeholder = label
	ti.SetValue(value)
	ti.CharLimit = 256
	return EditorField{Label: label, Input: ti}
}

func (e *EditorModel) value(label string) string {
	for _, f := range e.fields {
		if f.Label == label {
			return strings.TrimSpace(f.Input.Value())
		}
	}
	return ""
}

// Request builds the StartWorker request from the form, validating it the
// same way the daemon does.
func (e *EditorModel) Request() (uds.StartWorkerRequest, error) {
	spec := config.WorkerSpec{
		Kind:    e.value("kind"),
		Command: e.value("command"),
		Args:    strings.Fields(e.value("args")),
		Dir:     e.value("dir"),
		Restart: e.value("restart"),
	}
	id := e.value("id")
	name := id
	if name == "" {
		name = "new"
	}
	if errs := config.ValidateSpec(name, spec); len(errs) > 0 {
		return uds.StartWorkerRequest{}, errs[0]
	}
	return uds.StartWorkerRequest{ID: id, Worker: spec}, nil
}

// HandleKey processes key events in editor mode.
func (e *EditorModel) HandleKey(a App, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.mode = ModeNormal
		a.editor = nil
		return a, nil

	case "enter":
		req, err := e.Request()
		if err != nil {
			e.err = err.Error()
			return a, nil
		}
		a.mode = ModeNormal
		a.editor = nil
		if a.client == nil {
			a.statusMsg = "not connected"
			return a, nil
		}
		a.statusMsg = "starting " + req.Worker.Command + "..."
		return a, startWorkerCmd(a.client, req)

	case "tab", "down":
		e.fields[e.activeIdx].Input.Blur()
		e.activeIdx = (e.activeIdx + 1) % len(e.fields)
		e.fields[e.activeIdx].Input.Focus()
		return a, textinput.Blink

	case "shift+tab", "up":
		e.fields[e.activeIdx].Input.Blur()
		e.activeIdx = (e.activeIdx - 1 + len(e.fields)) % len(e.fields)
		e.fields[e.activeIdx].Input.Focus()
		return a, textinput.Blink

	default:
		var cmd tea.Cmd
		e.fields[e.activeIdx].Input, cmd = e.fields[e.activeIdx].Input.Update(msg)
		return a, cmd
	}
}

// View renders the editor form.
func (e *EditorModel) View(width int) string {
	s := titleStyle.Render(" Start Worker ") + "\n\n"
	for i, f := range e.fields {
		prefix := "  "
		if i == e.activeIdx {
			prefix = "▸ "
		}
		s += prefix + dimStyle.Render(f.Label+": ") + f.Input.View() + "\n"
	}
	if e.err != "" {
		s += "\n" + statusFailed.Render(truncate(e.err, width))
	}
	s += "\n" + helpStyle.Render("  tab:next  shift+tab:prev  enter:start  esc:cancel")
	return s
}
