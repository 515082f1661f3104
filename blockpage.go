package interceptor

import (
	"html/template"
	"io"
	"strings"
)

// BlockPage renders the body returned for requests stopped by a block rule.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
type BlockPageData struct {
	Method    string
	URL       string
	Host      string
	Rule      string
	Reason    string
	Timestamp string
}

// DefaultBlockPageHTML is the default block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Request Blocked - Interceptor</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #14161f;
            color: #e0e0e0;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .card {
            background: #1e2130;
            border: 1px solid #2c3045;
            border-radius: 12px;
            padding: 32px 40px;
            max-width: 560px;
            width: 90%;
        }
        h1 { font-size: 24px; margin: 0 0 16px; color: #fff; }
        table { width: 100%; border-collapse: collapse; font-size: 14px; }
        td { padding: 6px 0; vertical-align: top; }
        td.label { color: #888; width: 90px; }
        td.value { word-break: break-all; }
        .reason { color: #e74c3c; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Request Blocked</h1>
        <table>
            <tr><td class="label">Request</td><td class="value">{{.Method}} {{.URL}}</td></tr>
            <tr><td class="label">Host</td><td class="value">{{.Host}}</td></tr>
            {{if .Rule}}<tr><td class="label">Rule</td><td class="value">{{.Rule}}</td></tr>{{end}}
            <tr><td class="label">Reason</td><td class="value reason">{{.Reason}}</td></tr>
            <tr><td class="label">Time</td><td class="value">{{.Timestamp}}</td></tr>
        </table>
    </div>
</body>
</html>`

// NewBlockPage creates a BlockPage with the default template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the block page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the block page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
