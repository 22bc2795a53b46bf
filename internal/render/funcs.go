package render

import (
	"fmt"
	"strings"
	"time"
)

// funcMap returns helpers shared by the built-in message templates.
// Params: renderer time zone.
// Returns: helper map for text/template and html/template.
func funcMap(loc *time.Location) map[string]any {
	return map[string]any{
		"fmtDuration": FormatDuration,
		"fmtTime":     func(t time.Time) string { return FormatTime(t, loc) },
		"md":          EscapeMarkdown,
		"mdURL":       EscapeMarkdownURL,
	}
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 86400:
		return fmt.Sprintf("%.1fd", seconds/86400)
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// FormatTime renders timestamps for message bodies.
// Params: timestamp and display location (UTC when nil).
// Returns: "2006-01-02 15:04:05 MST" or empty string for zero time.
func FormatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"~", `\~`,
	"[", `\[`,
	"]", `\]`,
	"<", `\<`,
	">", `\>`,
	"#", `\#`,
	"|", `\|`,
)

// EscapeMarkdown escapes characters with markdown meaning.
// Params: raw label or annotation text.
// Returns: text rendered literally by markdown clients.
func EscapeMarkdown(raw string) string {
	return markdownEscaper.Replace(raw)
}

var markdownURLEscaper = strings.NewReplacer(
	" ", "%20",
	"(", "%28",
	")", "%29",
	"<", "%3C",
	">", "%3E",
)

// EscapeMarkdownURL percent-encodes characters that end a markdown link destination.
// Params: raw link URL.
// Returns: URL safe inside "[text](url)".
func EscapeMarkdownURL(raw string) string {
	return markdownURLEscaper.Replace(raw)
}
