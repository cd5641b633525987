package dashboard

import (
	"html/template"
	"time"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/status"
)

// pageData is what the index template renders.
type pageData struct {
	Status status.Snapshot
	Alerts []alert.Alert
}

var funcs = template.FuncMap{
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "Never"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}

var indexTemplate = template.Must(template.New("index").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<head>
    <title>File Integrity Monitor</title>
    <meta http-equiv="refresh" content="5">
    <style>
        body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 20px; line-height: 1.6; }
        .alert { padding: 12px; margin: 8px 0; border-radius: 4px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .modified { background-color: #fff8e1; border-left: 5px solid #ffc107; }
        .created { background-color: #e3f2fd; border-left: 5px solid #2196f3; }
        .deleted { background-color: #ffebee; border-left: 5px solid #f44336; }
        .stats { background-color: #f5f5f5; padding: 20px; margin-bottom: 25px; border-radius: 5px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        h1 { color: #2c3e50; border-bottom: 2px solid #eee; padding-bottom: 10px; }
        .timestamp { color: #7f8c8d; font-size: 0.9em; text-align: right; }
    </style>
</head>
<body>
    <h1>File Integrity Monitor</h1>
    <div class="timestamp">Last updated: {{ stamp .Status.LastUpdatedAt }}</div>

    <div class="stats">
        <h3>System Status</h3>
        <p><strong>Files monitored:</strong> {{ .Status.FilesTracked }}</p>
        <p><strong>Last baseline scan:</strong> {{ stamp .Status.LastBaselineCreatedAt }}</p>
        <p><strong>Security alerts:</strong> {{ .Status.AlertCount }}</p>
    </div>

    <h2>Recent Security Events</h2>
    {{- range .Alerts }}
    <div class="alert {{ .Category.Class }}">
        <strong>[{{ stamp .Timestamp }}] {{ .Title }}</strong><br>
        <strong>File:</strong> {{ .FileName }}<br>
        <strong>Location:</strong> {{ .FullPath }}<br>
        <strong>Details:</strong> {{ .Details }}
    </div>
    {{- else }}
    <p>No integrity violations recorded.</p>
    {{- end }}
</body>
</html>
`))
