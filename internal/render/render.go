package render

import (
	"bytes"
	htmltemplate "html/template"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"alertbridge/internal/domain"
)

// Content is one rendered chat message in every format the chat backends use.
type Content struct {
	Plain    string
	Markdown string
	HTML     string
	Telegram string
}

// Options tunes the built-in layout.
type Options struct {
	Location     *time.Location
	HiddenLabels []string
}

// Renderer turns alert records into chat message content.
// Params: compiled templates and layout options.
// Returns: pure renderer safe for concurrent use.
type Renderer struct {
	loc      *time.Location
	hidden   map[string]struct{}
	plain    *texttemplate.Template
	markdown *texttemplate.Template
	html     *htmltemplate.Template
	telegram *htmltemplate.Template
}

type labelPair struct {
	Name  string
	Value string
}

type view struct {
	Identity     string
	Status       string
	Color        string
	Marker       string
	Actor        string
	Headline     string
	Severity     string
	Summary      string
	Description  string
	Labels       []labelPair
	GeneratorURL string
	StartsAt     time.Time
	ResolvedAt   time.Time
	Duration     time.Duration
}

const plainBody = `{{.Marker}} {{.Status}}{{if .Actor}} by {{.Actor}}{{end}}: {{.Headline}}
{{- if .Severity}}
Severity: {{.Severity}}
{{- end}}
{{- if .Summary}}
Summary: {{.Summary}}
{{- end}}
{{- if .Description}}
Description: {{.Description}}
{{- end}}
{{- if .Labels}}
Labels: {{range $i, $l := .Labels}}{{if $i}}, {{end}}{{$l.Name}}={{$l.Value}}{{end}}
{{- end}}
{{- with fmtTime .StartsAt}}
Started: {{.}}
{{- end}}
{{- with fmtTime .ResolvedAt}}
Resolved: {{.}}{{if $.Duration}} after {{fmtDuration $.Duration}}{{end}}
{{- end}}
{{- if .GeneratorURL}}
Source: {{.GeneratorURL}}
{{- end}}`

const markdownBody = `{{.Marker}} **{{.Status}}{{if .Actor}} by {{md .Actor}}{{end}}:** {{md .Headline}}
{{- if .Severity}}
**Severity:** {{md .Severity}}
{{- end}}
{{- if .Summary}}
**Summary:** {{md .Summary}}
{{- end}}
{{- if .Description}}
**Description:** {{md .Description}}
{{- end}}
{{- if .Labels}}
**Labels:** {{range $i, $l := .Labels}}{{if $i}}, {{end}}{{md $l.Name}}={{md $l.Value}}{{end}}
{{- end}}
{{- with fmtTime .StartsAt}}
**Started:** {{.}}
{{- end}}
{{- with fmtTime .ResolvedAt}}
**Resolved:** {{.}}{{if $.Duration}} after {{fmtDuration $.Duration}}{{end}}
{{- end}}
{{- if .GeneratorURL}}
[Source]({{mdURL .GeneratorURL}})
{{- end}}`

const htmlBody = `<strong><font color="{{.Color}}">{{.Status}}{{if .Actor}} by {{.Actor}}{{end}}: </font></strong>{{.Headline}}
{{- if .Severity}}<br><b>Severity:</b> {{.Severity}}{{end}}
{{- if .Summary}}<br><b>Summary:</b> {{.Summary}}{{end}}
{{- if .Description}}<br><b>Description:</b> {{.Description}}{{end}}
{{- if .Labels}}<br><b>Labels:</b> {{range $i, $l := .Labels}}{{if $i}}, {{end}}<code>{{$l.Name}}={{$l.Value}}</code>{{end}}{{end}}
{{- with fmtTime .StartsAt}}<br><b>Started:</b> {{.}}{{end}}
{{- with fmtTime .ResolvedAt}}<br><b>Resolved:</b> {{.}}{{if $.Duration}} after {{fmtDuration $.Duration}}{{end}}{{end}}
{{- if .GeneratorURL}}<br><a href="{{.GeneratorURL}}">Source</a>{{end}}`

const telegramBody = `{{.Marker}} <b>{{.Status}}{{if .Actor}} by {{.Actor}}{{end}}:</b> {{.Headline}}
{{- if .Severity}}
<b>Severity:</b> {{.Severity}}
{{- end}}
{{- if .Summary}}
<b>Summary:</b> {{.Summary}}
{{- end}}
{{- if .Description}}
<b>Description:</b> {{.Description}}
{{- end}}
{{- if .Labels}}
<code>{{range $i, $l := .Labels}}{{if $i}} {{end}}{{$l.Name}}={{$l.Value}}{{end}}</code>
{{- end}}
{{- with fmtTime .StartsAt}}
<b>Started:</b> {{.}}
{{- end}}
{{- with fmtTime .ResolvedAt}}
<b>Resolved:</b> {{.}}{{if $.Duration}} after {{fmtDuration $.Duration}}{{end}}
{{- end}}
{{- if .GeneratorURL}}
<a href="{{.GeneratorURL}}">Source</a>
{{- end}}`

// New compiles built-in templates.
// Params: layout options; nil location means UTC.
// Returns: renderer instance.
func New(opts Options) *Renderer {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	hidden := make(map[string]struct{}, len(opts.HiddenLabels))
	for _, name := range opts.HiddenLabels {
		hidden[name] = struct{}{}
	}
	funcs := funcMap(loc)
	return &Renderer{
		loc:      loc,
		hidden:   hidden,
		plain:    texttemplate.Must(texttemplate.New("plain").Funcs(funcs).Option("missingkey=error").Parse(plainBody)),
		markdown: texttemplate.Must(texttemplate.New("markdown").Funcs(funcs).Option("missingkey=error").Parse(markdownBody)),
		html:     htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Option("missingkey=error").Parse(htmlBody)),
		telegram: htmltemplate.Must(htmltemplate.New("telegram").Funcs(funcs).Option("missingkey=error").Parse(telegramBody)),
	}
}

// Render produces message content for the record payload and lifecycle state.
// Params: alert record.
// Returns: content in every format; a minimal rendering for empty payloads.
func (r *Renderer) Render(record domain.AlertRecord) Content {
	if len(record.Payload.Labels) == 0 && len(record.Payload.Annotations) == 0 {
		return r.fallback(record)
	}
	v := r.buildView(record)

	var content Content
	var buf bytes.Buffer
	if err := r.plain.Execute(&buf, v); err != nil {
		return r.fallback(record)
	}
	content.Plain = buf.String()
	buf.Reset()
	if err := r.markdown.Execute(&buf, v); err != nil {
		return r.fallback(record)
	}
	content.Markdown = buf.String()
	buf.Reset()
	if err := r.html.Execute(&buf, v); err != nil {
		return r.fallback(record)
	}
	content.HTML = buf.String()
	buf.Reset()
	if err := r.telegram.Execute(&buf, v); err != nil {
		return r.fallback(record)
	}
	content.Telegram = buf.String()
	return content
}

func (r *Renderer) buildView(record domain.AlertRecord) view {
	payload := record.Payload
	v := view{
		Identity:     record.Identity,
		Status:       statusLabel(record.State),
		Color:        statusColor(record.State),
		Marker:       statusMarker(record.State),
		Severity:     payload.Labels["severity"],
		GeneratorURL: payload.GeneratorURL,
		StartsAt:     payload.StartsAt,
	}

	summary := strings.TrimSpace(payload.Annotations["summary"])
	description := strings.TrimSpace(payload.Annotations["description"])
	switch {
	case description != "":
		v.Headline = description
		v.Summary = summary
	case summary != "":
		v.Headline = summary
	default:
		v.Headline = payload.Labels["alertname"]
	}
	if v.Headline == "" {
		v.Headline = "Alert " + record.Identity
	}

	switch record.State {
	case domain.StateAcknowledged:
		v.Actor = record.AcknowledgedBy
	case domain.StateResolved:
		v.Actor = record.ResolvedBy
		if record.ResolvedAt != nil {
			v.ResolvedAt = *record.ResolvedAt
			if !payload.StartsAt.IsZero() && record.ResolvedAt.After(payload.StartsAt) {
				v.Duration = record.ResolvedAt.Sub(payload.StartsAt)
			}
		}
	}

	names := make([]string, 0, len(payload.Labels))
	for name := range payload.Labels {
		if _, skip := r.hidden[name]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Labels = append(v.Labels, labelPair{Name: name, Value: payload.Labels[name]})
	}
	return v
}

// fallback renders a minimal message that never fails.
func (r *Renderer) fallback(record domain.AlertRecord) Content {
	identity := record.Identity
	if identity == "" {
		identity = "unknown"
	}
	text := "Alert " + identity + " is " + statusLabel(record.State)
	escaped := htmltemplate.HTMLEscapeString(text)
	return Content{
		Plain:    text,
		Markdown: EscapeMarkdown(text),
		HTML:     escaped,
		Telegram: escaped,
	}
}

func statusLabel(state domain.LifecycleState) string {
	switch state {
	case domain.StateAcknowledged:
		return "ACKNOWLEDGED"
	case domain.StateResolved:
		return "RESOLVED"
	default:
		return "FIRING"
	}
}

func statusColor(state domain.LifecycleState) string {
	switch state {
	case domain.StateAcknowledged:
		return "orange"
	case domain.StateResolved:
		return "green"
	default:
		return "red"
	}
}

func statusMarker(state domain.LifecycleState) string {
	switch state {
	case domain.StateAcknowledged:
		return "👀"
	case domain.StateResolved:
		return "✅"
	default:
		return "🔥"
	}
}
