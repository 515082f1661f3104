package interceptor

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"time"
	"unicode/utf8"
)

// HAR creator metadata.
const (
	HARVersion     = "1.2"
	HARCreatorName = "PacketMind AI"
)

// harMaxDecodedBody bounds how far a compressed response body is inflated
// for export. Larger bodies are exported still encoded, as base64.
const harMaxDecodedBody = 10 * MB

// HAR is an HTTP Archive 1.2 document.
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog is the root log object.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator identifies the exporting application.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HAREntry is one exported transaction.
type HAREntry struct {
	StartedDateTime string       `json:"startedDateTime"`
	Time            float64      `json:"time"`
	Request         HARRequest   `json:"request"`
	Response        *HARResponse `json:"response,omitempty"`
	Cache           struct{}     `json:"cache"`
	Timings         HARTimings   `json:"timings"`
	Comment         string       `json:"comment,omitempty"`
}

// HARRequest describes the captured request.
type HARRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Cookies     []HARNameVal `json:"cookies"`
	Headers     []HARNameVal `json:"headers"`
	QueryString []HARNameVal `json:"queryString"`
	PostData    *HARPostData `json:"postData,omitempty"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
}

// HARResponse describes the delivered response.
type HARResponse struct {
	Status      int          `json:"status"`
	StatusText  string       `json:"statusText"`
	HTTPVersion string       `json:"httpVersion"`
	Cookies     []HARNameVal `json:"cookies"`
	Headers     []HARNameVal `json:"headers"`
	Content     HARContent   `json:"content"`
	RedirectURL string       `json:"redirectURL"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
}

// HARNameVal is a name/value pair used for headers and query parameters.
type HARNameVal struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HARPostData holds a request body.
type HARPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// HARContent holds a response body.
type HARContent struct {
	Size        int    `json:"size"`
	Compression int    `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

// HARTimings splits the entry time. Only wait is measured.
type HARTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// NewHAR builds a HAR document from transactions, preserving their order.
func NewHAR(txs []Transaction) HAR {
	entries := make([]HAREntry, 0, len(txs))
	for _, t := range txs {
		entries = append(entries, newHAREntry(t))
	}
	return HAR{Log: HARLog{
		Version: HARVersion,
		Creator: HARCreator{Name: HARCreatorName, Version: Version},
		Entries: entries,
	}}
}

// ExportHAR renders transactions as indented HAR JSON. It cannot fail; if
// encoding ever does, an empty document is returned.
func ExportHAR(txs []Transaction) string {
	out, err := json.MarshalIndent(NewHAR(txs), "", "  ")
	if err != nil {
		out, _ = json.MarshalIndent(NewHAR(nil), "", "  ")
	}
	return string(out)
}

func newHAREntry(t Transaction) HAREntry {
	ms := float64(t.Duration) / float64(time.Millisecond)

	e := HAREntry{
		StartedDateTime: t.Request.Timestamp.UTC().Format(time.RFC3339Nano),
		Time:            ms,
		Request: HARRequest{
			Method:      t.Request.Method,
			URL:         t.Request.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []HARNameVal{},
			Headers:     harHeaders(t.Request.Headers),
			QueryString: harQuery(t.Request.URL),
			HeadersSize: -1,
			BodySize:    len(t.Request.Body),
		},
		Timings: HARTimings{Wait: ms},
	}

	if len(t.Request.Body) > 0 && utf8.Valid(t.Request.Body) {
		e.Request.PostData = &HARPostData{
			MimeType: t.Request.Headers["Content-Type"],
			Text:     string(t.Request.Body),
		}
	}

	if r := t.Response; r != nil {
		// content.text holds the decoded entity; bodySize stays the wire size.
		body := r.Body
		if enc := r.Headers["Content-Encoding"]; enc != "" && len(body) > 0 {
			if dec, err := DecompressBytesLimit(body, enc, harMaxDecodedBody); err == nil {
				body = dec
			}
		}

		resp := &HARResponse{
			Status:      r.Status,
			StatusText:  http.StatusText(r.Status),
			HTTPVersion: "HTTP/1.1",
			Cookies:     []HARNameVal{},
			Headers:     harHeaders(r.Headers),
			Content: HARContent{
				Size:        len(body),
				Compression: len(body) - len(r.Body),
				MimeType:    r.Headers["Content-Type"],
			},
			RedirectURL: r.Headers["Location"],
			HeadersSize: -1,
			BodySize:    len(r.Body),
		}
		switch {
		case len(body) == 0:
		case utf8.Valid(body):
			resp.Content.Text = string(body)
		default:
			resp.Content.Text = base64.StdEncoding.EncodeToString(body)
			resp.Content.Encoding = "base64"
		}
		e.Response = resp
	}

	if len(t.Tags) > 0 {
		tags, _ := json.Marshal(t.Tags)
		e.Comment = "tags: " + string(tags)
	}
	return e
}

func harHeaders(h map[string]string) []HARNameVal {
	out := make([]HARNameVal, 0, len(h))
	for k, v := range h {
		out = append(out, HARNameVal{Name: k, Value: v})
	}
	slices.SortFunc(out, func(a, b HARNameVal) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func harQuery(raw string) []HARNameVal {
	out := []HARNameVal{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	q := u.Query()
	for _, k := range slices.Sorted(maps.Keys(q)) {
		for _, v := range q[k] {
			out = append(out, HARNameVal{Name: k, Value: v})
		}
	}
	return out
}
