// Package ui provides styled terminal output helpers (success, error,
// warning, status formatting) using lipgloss.
package ui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/buildrunner/brsync/internal/breaker"
	"github.com/buildrunner/brsync/internal/store"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		store.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		store.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		store.StatusConflict:   lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
	breakerStyles = map[breaker.State]lipgloss.Style{
		breaker.StateClosed:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		breaker.StateOpen:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		breaker.StateHalfOpen: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

func init() {
	// Plain output when piped or redirected.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title renders a bold title string
func Title(s string) string {
	return titleStyle.Render(s)
}

// Subtle renders a dimmed string
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// JSON outputs data as indented JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatStatus formats an outbox status with color
func FormatStatus(s store.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// StatusBadge returns a status indicator with symbol
// e.g., "○ queued", "▶ processing", "✓ completed", "✗ failed", "◎ conflict"
func StatusBadge(status store.Status) string {
	symbols := map[store.Status]string{
		store.StatusQueued:     "○",
		store.StatusProcessing: "▶",
		store.StatusCompleted:  "✓",
		store.StatusFailed:     "✗",
		store.StatusConflict:   "◎",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	style, hasStyle := statusStyles[status]
	if hasStyle {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// FormatBreakerState formats a circuit breaker state with color
func FormatBreakerState(s breaker.State) string {
	style, ok := breakerStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// FormatItemShort formats an outbox item in short format
func FormatItemShort(item *store.OutboxItem) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(item.ID)))
	parts = append(parts, string(item.Kind))
	if item.ProjectID != "" {
		parts = append(parts, subtleStyle.Render(item.ProjectID))
	}
	parts = append(parts, FormatStatus(item.Status))
	if item.Attempts > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d/%d attempts", item.Attempts, item.MaxAttempts)))
	}
	return strings.Join(parts, "  ")
}

// FormatConflictShort formats a conflict in short format
func FormatConflictShort(c *store.Conflict) string {
	var parts []string
	parts = append(parts, titleStyle.Render(ShortID(c.ID)))
	parts = append(parts, fmt.Sprintf("%s/%s", c.Entity, c.EntityID))
	if c.ProjectID != "" {
		parts = append(parts, subtleStyle.Render(c.ProjectID))
	}
	parts = append(parts, subtleStyle.Render(FormatTimeAgo(c.CreatedAt)))
	return strings.Join(parts, "  ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// RenderPass renders s in the success color
func RenderPass(s string) string {
	return successStyle.Render(s)
}

// RenderFail renders s in the error color
func RenderFail(s string) string {
	return errorStyle.Render(s)
}

// RenderWarn renders s in the warning color
func RenderWarn(s string) string {
	return warningStyle.Render(s)
}

// RenderAccent renders s in the accent color
func RenderAccent(s string) string {
	return accentStyle.Render(s)
}

// ShortID shortens a UUID to its first 8 characters for display
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
