package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/pathwatch/internal/activity"
	"github.com/Iron-Ham/pathwatch/internal/event"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	activeColor  = lipgloss.Color("#60A5FA") // Blue
)

// printer renders collections and notices as lines. Colors follow the
// writer's terminal profile, so pipes and buffers get plain text.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]string

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	active  lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		seen:    make(map[string]string),
		title:   r.NewStyle().Bold(true).Foreground(primaryColor),
		muted:   r.NewStyle().Foreground(mutedColor),
		success: r.NewStyle().Foreground(successColor),
		warning: r.NewStyle().Foreground(warningColor),
		failure: r.NewStyle().Foreground(errorColor),
		active:  r.NewStyle().Foreground(activeColor),
	}
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// changed prints line unless it is identical to the last line printed for key.
func (p *printer) changed(key, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[key] == line {
		return
	}
	p.seen[key] = line
	fmt.Fprintln(p.w, line)
}

func (p *printer) heading(s string) {
	p.println(p.title.Render(s))
}

func (p *printer) status(s string) string {
	label := s
	if label == "" {
		label = "unknown"
	}
	switch s {
	case string(model.JobSucceeded), string(model.MessageDone):
		return p.success.Render(label)
	case string(model.JobFailed), string(model.MessageError):
		return p.failure.Render(label)
	case string(model.JobCanceled):
		return p.muted.Render(label)
	case string(model.JobRunning), string(model.MessageStreaming):
		return p.active.Render(label)
	default:
		return p.warning.Render(label)
	}
}

func (p *printer) pathLine(path *model.Path) string {
	var b strings.Builder
	title := path.Title
	if title == "" {
		title = "(untitled)"
	}
	b.WriteString(title)
	b.WriteString("  ")
	b.WriteString(p.status(string(path.Status)))
	if path.Placeholder && !path.Status.IsTerminal() {
		if path.Stage != "" {
			fmt.Fprintf(&b, " %s", activity.Label(activity.NormalizeStage(path.Stage)))
		}
		if path.Progress > 0 {
			fmt.Fprintf(&b, " %d%%", path.Progress)
		}
	}
	if path.Error != "" {
		fmt.Fprintf(&b, " %s", p.failure.Render(path.Error))
	}
	if !path.ActivatedAt.IsZero() {
		fmt.Fprintf(&b, " %s", p.success.Render("active"))
	}
	fmt.Fprintf(&b, "  %s", p.muted.Render(path.ID))
	return b.String()
}

func (p *printer) messageLine(m *model.ChatMessage) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	line := fmt.Sprintf("#%d %s [%s] %s", m.Seq, m.Role, p.status(string(m.Status)), content)
	if m.Error != "" {
		line += " " + p.failure.Render(m.Error)
	}
	return line
}

func (p *printer) feedLine(f *activity.FeedItem) string {
	line := fmt.Sprintf("%s %s [%s]", p.muted.Render(f.JobID), f.Type, p.status(string(f.Status)))
	if f.Stage != "" {
		line += " " + activity.Label(activity.NormalizeStage(f.Stage))
	}
	if f.Progress > 0 && !f.Status.IsTerminal() {
		line += fmt.Sprintf(" %d%%", f.Progress)
	}
	if f.Error != "" {
		line += " " + p.failure.Render(f.Error)
	}
	return line
}

func (p *printer) stageLines(v activity.View) []string {
	lines := make([]string, 0, len(v.Stages))
	for _, st := range v.Stages {
		marker := " "
		if st.Current {
			marker = p.active.Render(">")
		}
		line := fmt.Sprintf("%s %s [%s]", marker, st.Label, p.status(string(st.Status)))
		if st.ChildJobID != "" {
			line += " " + p.muted.Render(st.ChildJobID)
		}
		lines = append(lines, line)
	}
	return lines
}

// eventLine renders a notice. It returns "" for notices not worth showing.
func (p *printer) eventLine(e event.Event) string {
	switch ev := e.(type) {
	case event.ConnectivityEvent:
		if ev.Reconnect {
			return p.success.Render("push channel connected, refreshing")
		}
		if !ev.Connected {
			return p.warning.Render("push channel disconnected")
		}
		return p.muted.Render("push channel connected")
	case event.PathPromotedEvent:
		return p.success.Render(fmt.Sprintf("path ready: %s", ev.PathID))
	case event.JobTerminalEvent:
		line := fmt.Sprintf("job %s %s", ev.JobID, p.status(ev.Status))
		if ev.Error != "" {
			line += " " + p.failure.Render(ev.Error)
		}
		return line
	case event.CommandFailedEvent:
		msg := ev.Banner
		if msg == "" {
			msg = ev.Error
		}
		return p.failure.Render(fmt.Sprintf("%s failed: %s", ev.Command, msg))
	case event.PatchResolvedEvent:
		if ev.Success {
			return p.success.Render(fmt.Sprintf("block %s updated", ev.BlockID))
		}
		return p.failure.Render(fmt.Sprintf("block %s update failed", ev.BlockID))
	case event.InvalidatedEvent:
		return p.muted.Render(fmt.Sprintf("refresh %s %s (%s)", ev.Collection, ev.Key, ev.Reason))
	}
	return ""
}
