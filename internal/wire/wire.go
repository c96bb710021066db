// Package wire defines the canonical message schema and the normalization
// of raw source-endpoint payloads into it. The source is lenient about what
// it sends; everything that leaves this package is a canonical Message.
package wire

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Message types.
const (
	TypeText   = "text"
	TypeBundle = "bundle"
)

// Resolution statuses carried on stored messages.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusError   = "error"
)

// StatusPrefix marks status-report text so the relay recognizes its own
// reports when the source echoes them back.
const StatusPrefix = "[relay-status]"

// Message is a canonical normalized message.
type Message struct {
	ID          string          `json:"id"`
	TS          int64           `json:"ts"`
	Text        string          `json:"text"`
	Type        string          `json:"type"`
	Attachments []Attachment    `json:"attachments"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Attachment is a descriptor for bytes that must be fetched before delivery.
type Attachment struct {
	AttID    string    `json:"attId"`
	Kind     string    `json:"kind"` // "image" or "file"
	Filename string    `json:"filename"`
	Mime     string    `json:"mime"`
	Size     *int64    `json:"size"`
	Fetch    FetchSpec `json:"fetch"`
}

// FetchSpec describes how to retrieve attachment bytes.
type FetchSpec struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt *int64            `json:"expiresAt"`
}

// AttachmentError records a per-attachment resolution failure.
type AttachmentError struct {
	AttID     string `json:"attId"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ServerConfig is the optional side-channel configuration the source may
// attach to a poll response.
type ServerConfig struct {
	AutoOpenTargetURL string `json:"autoOpenTargetUrl"`
}

// Parsed is the result of parsing one poll response body.
type Parsed struct {
	Messages         []Message
	Cursor           string // response-declared cursor, "" if absent
	Config           *ServerConfig
	CredentialUpdate string
}

// ParseResponse parses a raw poll response body. It accepts four wire
// shapes: empty or plain text, a bare array of message-like items, an
// envelope object with a messages array plus optional cursor and side
// channels, or a single message-like object. Unparseable or unrecognized
// bodies degrade to synthetic messages rather than errors.
func ParseResponse(body []byte) *Parsed {
	now := time.Now().UnixMilli()
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return &Parsed{}
	}

	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return &Parsed{Messages: []Message{makeMessage("", trimmed, now, nil, nil)}}
	}

	var parsed any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		// Malformed JSON is wrapped as plain text, never fatal.
		return &Parsed{Messages: []Message{makeMessage("", trimmed, now, nil, nil)}}
	}

	switch v := parsed.(type) {
	case []any:
		out := &Parsed{}
		for _, item := range v {
			if msg := normalizeItem(item, now); msg != nil {
				out.Messages = append(out.Messages, *msg)
			}
		}
		return out

	case map[string]any:
		out := &Parsed{
			Cursor:           declaredCursor(v),
			Config:           parseServerConfig(v["config"]),
			CredentialUpdate: stringField(v, "credentialUpdate"),
		}
		if items, ok := v["messages"].([]any); ok {
			for _, item := range items {
				if msg := normalizeItem(item, now); msg != nil {
					out.Messages = append(out.Messages, *msg)
				}
			}
			return out
		}
		// Single message-like object, or an unrecognized shape wrapped as
		// an opaque message so operators can inspect the raw payload.
		if msg := normalizeItem(v, now); msg != nil {
			out.Messages = append(out.Messages, *msg)
		}
		return out

	case string:
		return &Parsed{Messages: []Message{makeMessage("", v, now, nil, nil)}}

	default:
		return &Parsed{Messages: []Message{makeMessage("", fmt.Sprint(v), now, nil, nil)}}
	}
}

// textFieldOrder is the documented field precedence for message text.
var textFieldOrder = []string{"text", "message", "body", "content"}

// idFieldOrder is the field precedence for message ids.
var idFieldOrder = []string{"id", "messageId", "uuid"}

// tsFieldOrder is the field precedence for message timestamps.
var tsFieldOrder = []string{"ts", "time", "createdAt"}

func normalizeItem(item any, now int64) *Message {
	switch v := item.(type) {
	case nil:
		return nil
	case string:
		msg := makeMessage("", v, now, nil, nil)
		return &msg
	case map[string]any:
		return normalizeObject(v, now)
	default:
		msg := makeMessage("", fmt.Sprint(v), now, nil, nil)
		return &msg
	}
}

func normalizeObject(item map[string]any, now int64) *Message {
	text := firstString(item, textFieldOrder)
	ts := firstInt(item, tsFieldOrder, now)
	id := firstString(item, idFieldOrder)

	var attachments []Attachment
	if list, ok := item["attachments"].([]any); ok {
		for _, raw := range list {
			if att := normalizeAttachment(raw, now); att != nil {
				attachments = append(attachments, *att)
			}
		}
	}

	raw, _ := json.Marshal(item)
	// The source's own type field is advisory: attachments force bundle,
	// their absence forces text, whatever the item claimed.
	msg := makeMessage(id, text, ts, attachments, raw)
	return &msg
}

func normalizeAttachment(raw any, now int64) *Attachment {
	item, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	fetch, _ := item["fetch"].(map[string]any)
	url := stringField(fetch, "url")
	if url == "" {
		// Without a fetch URL the descriptor can never be resolved;
		// it is dropped here so it never enters the canonical list.
		return nil
	}

	attID := firstString(item, []string{"attId", "id"})
	if attID == "" {
		attID = deriveID(url, now)
	}

	kind := "file"
	if stringField(item, "kind") == "image" {
		kind = "image"
	}
	filename := stringField(item, "filename")
	if filename == "" {
		filename = stringField(item, "name")
	}
	if filename == "" {
		filename = "attachment"
	}

	var size *int64
	if n, ok := intField(item, "size"); ok {
		size = &n
	}
	var expiresAt *int64
	if n, ok := intField(fetch, "expiresAt"); ok {
		expiresAt = &n
	}

	method := strings.ToUpper(stringField(fetch, "method"))
	if method == "" {
		method = "GET"
	}

	return &Attachment{
		AttID:    attID,
		Kind:     kind,
		Filename: filename,
		Mime:     stringField(item, "mime"),
		Size:     size,
		Fetch: FetchSpec{
			URL:       url,
			Method:    method,
			Headers:   normalizeHeaders(fetch["headers"]),
			ExpiresAt: expiresAt,
		},
	}
}

func normalizeHeaders(raw any) map[string]string {
	headers, ok := raw.(map[string]any)
	if !ok || len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == "" {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func makeMessage(id, text string, ts int64, attachments []Attachment, raw json.RawMessage) Message {
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	if id == "" {
		id = deriveID(text, ts)
	}
	typ := TypeText
	if len(attachments) > 0 {
		typ = TypeBundle
	}
	return Message{
		ID:          id,
		TS:          ts,
		Text:        text,
		Type:        typ,
		Attachments: attachments,
		Raw:         raw,
	}
}

// deriveID builds a stable id from content and timestamp for messages the
// source sent without one. Identical text at the same millisecond maps to
// the same id, which is what the dedupe ledger needs.
func deriveID(text string, ts int64) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%d-%s", ts, strconv.FormatUint(uint64(h.Sum32()), 36))
}

// IsKeepalive reports whether a normalized message is source keepalive
// traffic: acknowledged, never stored or delivered.
func IsKeepalive(msg *Message) bool {
	if msg == nil {
		return false
	}
	if strings.TrimSpace(msg.Text) == "keepalive" {
		return true
	}
	return rawType(msg) == "keepalive"
}

// IsStatusEcho reports whether a normalized message is one of the relay's
// own status reports echoed back by the source.
func IsStatusEcho(msg *Message) bool {
	if msg == nil {
		return false
	}
	if rawType(msg) == "status" {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(msg.Text), StatusPrefix)
}

func rawType(msg *Message) string {
	if len(msg.Raw) == 0 {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Raw, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// ResolveCursor picks the next cursor. Precedence: the response-declared
// cursor, then the last message's timestamp (or id), then the previous
// cursor unchanged. This chain is the poll loop's only progress guarantee.
func ResolveCursor(declared string, msgs []Message, prev string) string {
	if declared != "" {
		return declared
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.TS > 0 {
			return strconv.FormatInt(last.TS, 10)
		}
		if last.ID != "" {
			return last.ID
		}
	}
	return prev
}

// declaredCursor extracts the response-declared cursor under its exact
// field precedence: cursor, then nextCursor, then next.
func declaredCursor(obj map[string]any) string {
	for _, key := range []string{"cursor", "nextCursor", "next"} {
		if v, ok := obj[key]; ok && v != nil {
			switch c := v.(type) {
			case string:
				if c != "" {
					return c
				}
			case json.Number:
				return c.String()
			}
		}
	}
	return ""
}

func parseServerConfig(raw any) *ServerConfig {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	cfg := &ServerConfig{AutoOpenTargetURL: stringField(obj, "autoOpenTargetUrl")}
	return cfg
}

func firstString(obj map[string]any, keys []string) string {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstInt(obj map[string]any, keys []string, fallback int64) int64 {
	for _, key := range keys {
		if n, ok := intField(obj, key); ok {
			return n
		}
	}
	return fallback
}

func intField(obj map[string]any, key string) (int64, bool) {
	if obj == nil {
		return 0, false
	}
	switch v := obj[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	case float64:
		return int64(v), true
	}
	return 0, false
}

func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}
