package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pengelbrecht/ticketflow/internal/pipeline"
)

// Layout constants
const (
	minColumnWidth = 14
	minHeight      = 8
	chromeHeight   = 4 // header, status bar, footer, spacer
)

// Color palette
var (
	primaryColor   = lipgloss.Color("205") // Pink
	secondaryColor = lipgloss.Color("86")  // Cyan
	mutedColor     = lipgloss.Color("241") // Gray
	successColor   = lipgloss.Color("78")  // Green
	warningColor   = lipgloss.Color("214") // Orange
	errorColor     = lipgloss.Color("196") // Red
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	statusItemStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(mutedColor)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	focusedColumnStyle = columnStyle.
				BorderForeground(secondaryColor)

	columnTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(secondaryColor)

	itemStyle = lipgloss.NewStyle()

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	emptyStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7F849C"))

	footerKeyStyle = footerStyle.Bold(true)

	// Status indicators
	runningStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	stoppedStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)
)

var stageTitles = map[pipeline.Stage]string{
	pipeline.Intake:     "Intake",
	pipeline.InProgress: "In Progress",
	pipeline.Review:     "Review",
	pipeline.Failed:     "Failed",
	pipeline.Completed:  "Completed",
}

func (m Model) renderBoard() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderColumns(),
		m.renderStatusBar(),
		m.renderFooter(),
	)
}

// renderHeader renders the title and the daemon status.
func (m Model) renderHeader() string {
	left := titleStyle.Render("⚡ ticketflow board")

	var status string
	switch {
	case m.health == nil:
		status = warnStyle.Render("○ LOCAL")
	case m.healthErr != nil:
		status = stoppedStyle.Render("■ DAEMON UNREACHABLE")
	case m.stats != nil:
		status = runningStyle.Render("● " + strings.ToUpper(m.stats.Status))
	default:
		status = warnStyle.Render("… CONNECTING")
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(status) - 2
	if padding < 0 {
		padding = 0
	}
	return headerStyle.Width(m.width).Render(
		left + strings.Repeat(" ", padding) + status,
	)
}

// renderColumns renders one bordered column per stage.
func (m Model) renderColumns() string {
	height := m.height - chromeHeight
	if height < minHeight {
		height = minHeight
	}
	width := m.width / len(pipeline.Stages)
	if width < minColumnWidth {
		width = minColumnWidth
	}

	cols := make([]string, len(pipeline.Stages))
	for i := range pipeline.Stages {
		cols[i] = m.renderColumn(i, width, height)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cols...)
}

func (m Model) renderColumn(i, width, height int) string {
	stage := pipeline.Stages[i]
	names := m.column(i)
	focused := i == m.focus

	// Border (2) and padding (2) on the sides, border (2) and title (1) vertically.
	inner := width - 4
	visible := height - 3
	if visible < 1 {
		visible = 1
	}

	title := columnTitleStyle.Render(fmt.Sprintf("%s (%d)", stageTitles[stage], len(names)))

	var lines []string
	if len(names) == 0 {
		lines = append(lines, emptyStyle.Render("empty"))
	}
	cursor := m.cursors[i]
	offset := 0
	if cursor >= visible {
		offset = cursor - visible + 1
	}
	for j := offset; j < len(names) && j < offset+visible; j++ {
		marker := "  "
		if stage == pipeline.InProgress && m.inFlight[names[j]] {
			marker = runningStyle.Render("▶ ")
		}
		label := truncate(names[j], inner-2)
		style := itemStyle
		if focused && j == cursor {
			style = selectedStyle
		}
		lines = append(lines, marker+style.Render(label))
	}

	style := columnStyle
	if focused {
		style = focusedColumnStyle
	}
	return style.
		Width(width - 2).
		Height(height - 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n")))
}

// renderStatusBar renders queue counters and refresh times.
func (m Model) renderStatusBar() string {
	item := func(label, value string) string {
		return statusLabelStyle.Render(label+" ") + statusItemStyle.Render(value)
	}

	parts := []string{item("Tickets:", fmt.Sprintf("%d", m.snapshot.Total()))}
	if m.stats != nil {
		parts = append(parts,
			item("Waiting:", fmt.Sprintf("%d", m.stats.Size)),
			item("Running:", fmt.Sprintf("%d", m.stats.Pending)),
		)
	}
	if !m.updated.IsZero() {
		parts = append(parts, item("Updated:", formatDuration(time.Since(m.updated))+" ago"))
	}
	parts = append(parts, item("Up:", formatDuration(time.Since(m.startTime))))

	line := strings.Join(parts, " │ ")
	if m.snapErr != nil {
		line += "  " + stoppedStyle.Render("error: "+m.snapErr.Error())
	}
	if stage, name, ok := m.Selected(); ok {
		line += "  " + statusLabelStyle.Render(fmt.Sprintf("[%s] %s", stage, name))
	}
	return statusBarStyle.Width(m.width).Render(line)
}

// renderFooter renders the short key help.
func (m Model) renderFooter() string {
	return lipgloss.NewStyle().Padding(0, 1).Render(m.help.View(m.keys))
}

// formatDuration formats a duration as MM:SS or HH:MM:SS.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncate(s string, max int) string {
	if lipgloss.Width(s) <= max {
		return s
	}
	if max <= 3 {
		return truncateWidth(s, max)
	}
	return truncateWidth(s, max-3) + "..."
}

// Help overlay styles
var (
	helpOverlayStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(1, 2).
				Background(lipgloss.Color("235"))

	helpTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			Width(12)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// renderHelpOverlay renders the full key help centered over the board.
func (m Model) renderHelpOverlay(background string) string {
	title := helpTitleStyle.Render("Keyboard Shortcuts")

	var lines []string
	for _, group := range m.keys.FullHelp() {
		for _, b := range group {
			h := b.Help()
			lines = append(lines, helpKeyStyle.Render(h.Key)+helpDescStyle.Render(h.Desc))
		}
	}
	lines = append(lines, "", helpDescStyle.Render("▶ marks tickets the daemon is running"))

	content := lipgloss.JoinVertical(lipgloss.Left, lines...)
	help := helpOverlayStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, content))

	x := (m.width - lipgloss.Width(help)) / 2
	y := (m.height - lipgloss.Height(help)) / 2
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return placeOverlay(x, y, help, background)
}

// placeOverlay places a foreground string on top of a background at the given position.
func placeOverlay(x, y int, fg, bg string) string {
	bgLines := strings.Split(bg, "\n")
	fgLines := strings.Split(fg, "\n")

	for len(bgLines) < y+len(fgLines) {
		bgLines = append(bgLines, "")
	}

	for i, fgLine := range fgLines {
		bgIdx := y + i
		bgLine := bgLines[bgIdx]

		if w := lipgloss.Width(bgLine); w < x {
			bgLine += strings.Repeat(" ", x-w)
		}

		before := truncateWidth(bgLine, x)
		after := ""
		if lipgloss.Width(bgLine) > x+lipgloss.Width(fgLine) {
			after = substringFromWidth(bgLine, x+lipgloss.Width(fgLine))
		}
		bgLines[bgIdx] = before + fgLine + after
	}

	return strings.Join(bgLines, "\n")
}

func truncateWidth(s string, w int) string {
	if w <= 0 {
		return ""
	}
	var b strings.Builder
	width := 0
	for _, r := range s {
		rw := lipgloss.Width(string(r))
		if width+rw > w {
			break
		}
		b.WriteRune(r)
		width += rw
	}
	return b.String()
}

func substringFromWidth(s string, w int) string {
	width := 0
	for i, r := range s {
		if width >= w {
			return s[i:]
		}
		width += lipgloss.Width(string(r))
	}
	return ""
}
