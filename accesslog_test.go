package interceptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newJSONAccessLogger(buf *bytes.Buffer) *AccessLogger {
	return NewAccessLogger(slog.New(slog.NewJSONHandler(buf, nil)))
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return m
}

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "plain request",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				ID:           "tx-1",
				Method:       "GET",
				Host:         "example.com",
				URL:          "http://example.com/index.html",
				StatusCode:   200,
				Duration:     150 * time.Millisecond,
				BytesWritten: 4096,
				ClientAddr:   "192.168.1.1:54321",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["msg"] != "access" {
					t.Errorf("msg = %v, want access", m["msg"])
				}
				if m["id"] != "tx-1" {
					t.Errorf("id = %v, want tx-1", m["id"])
				}
				if m["url"] != "http://example.com/index.html" {
					t.Errorf("url = %v", m["url"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				for _, k := range []string{"tags", "rule_id", "action", "error", "user_agent"} {
					if _, ok := m[k]; ok {
						t.Errorf("%s should be omitted", k)
					}
				}
			},
		},
		{
			name: "rule matched",
			entry: AccessLogEntry{
				Method:     "GET",
				URL:        "http://ads.example.com/",
				StatusCode: 403,
				Tags:       []string{TagFiltered, TagRuleMatched},
				RuleID:     "r1",
				Action:     string(ActionBlock),
				UserAgent:  "curl/8.0",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["tags"] != "filtered,rule" {
					t.Errorf("tags = %v, want filtered,rule", m["tags"])
				}
				if m["rule_id"] != "r1" || m["action"] != "block" {
					t.Errorf("rule_id/action = %v/%v, want r1/block", m["rule_id"], m["action"])
				}
				if m["user_agent"] != "curl/8.0" {
					t.Errorf("user_agent = %v", m["user_agent"])
				}
			},
		},
		{
			name: "forward error",
			entry: AccessLogEntry{
				Method:     "POST",
				URL:        "http://down.example/",
				StatusCode: 502,
				Error:      "connection refused",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "connection refused" {
					t.Errorf("error = %v, want connection refused", m["error"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newJSONAccessLogger(&buf).Log(tt.entry)
			tt.check(t, decodeLogLine(t, &buf))
		})
	}
}

func TestAccessLogger_LogTransaction(t *testing.T) {
	var buf bytes.Buffer
	al := newJSONAccessLogger(&buf)

	tx := Transaction{
		ID: "tx-2",
		Request: HTTPRequest{
			Method:    "GET",
			URL:       "https://api.example.com:8443/v1/users",
			Headers:   map[string]string{"User-Agent": "test-agent"},
			Timestamp: time.Now(),
		},
		Response: &HTTPResponse{Status: 502, Body: []byte("Proxy Error: boom")},
		Duration: 12 * time.Millisecond,
		Tags:     []string{TagError},
	}
	al.LogTransaction(tx, "10.0.0.1:1234", "", errors.New("boom"))

	m := decodeLogLine(t, &buf)
	if m["host"] != "api.example.com" {
		t.Errorf("host = %v, want api.example.com", m["host"])
	}
	if m["status"] != float64(502) {
		t.Errorf("status = %v, want 502", m["status"])
	}
	if m["bytes"] != float64(len("Proxy Error: boom")) {
		t.Errorf("bytes = %v", m["bytes"])
	}
	if m["client"] != "10.0.0.1:1234" {
		t.Errorf("client = %v", m["client"])
	}
	if m["error"] != "boom" {
		t.Errorf("error = %v, want boom", m["error"])
	}
	if m["user_agent"] != "test-agent" {
		t.Errorf("user_agent = %v, want test-agent", m["user_agent"])
	}
}

func TestAccessLogger_NoResponse(t *testing.T) {
	var buf bytes.Buffer
	newJSONAccessLogger(&buf).LogTransaction(Transaction{
		ID:      "tx-3",
		Request: HTTPRequest{Method: "GET", URL: "http://example.com/"},
	}, "", "", nil)

	m := decodeLogLine(t, &buf)
	if m["status"] != float64(0) {
		t.Errorf("status = %v, want 0", m["status"])
	}
}
