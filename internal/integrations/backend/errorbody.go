package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrorBody is the decoded body of a non-2xx backend response. It is one of
// MessageBody, FieldsBody or ListBody.
type ErrorBody interface {
	// Message renders the body as a single human-readable string.
	Message() string
	errorBody()
}

// MessageBody is a plain string error.
type MessageBody string

// FieldsBody maps field names (or wrapper keys such as "error") to messages.
type FieldsBody map[string][]string

// ListBody is a JSON array of errors.
type ListBody []ErrorBody

func (MessageBody) errorBody() {}
func (FieldsBody) errorBody()  {}
func (ListBody) errorBody()    {}

func (m MessageBody) Message() string { return strings.TrimSpace(string(m)) }

// messageKeys carry the message itself and are rendered without a prefix.
var messageKeys = map[string]bool{
	"detail": true, "message": true, "error": true, "errors": true, "non_field_errors": true,
}

func (f FieldsBody) Message() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// message keys first, then alphabetical
		if messageKeys[keys[i]] != messageKeys[keys[j]] {
			return messageKeys[keys[i]]
		}
		return keys[i] < keys[j]
	})

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs := nonEmpty(f[k])
		if len(msgs) == 0 {
			continue
		}
		joined := strings.Join(msgs, ", ")
		if messageKeys[k] {
			parts = append(parts, joined)
			continue
		}
		parts = append(parts, k+": "+joined)
	}
	return strings.Join(parts, "; ")
}

func (l ListBody) Message() string {
	msgs := make([]string, 0, len(l))
	for _, b := range l {
		msgs = append(msgs, b.Message())
	}
	return strings.Join(nonEmpty(msgs), "; ")
}

// ParseErrorBody decodes a JSON object, a JSON array or a plain string body.
// Nested objects are flattened into their parent's field.
func ParseErrorBody(raw []byte) ErrorBody {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return MessageBody("")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return MessageBody(string(raw))
	}
	return fromJSON(v)
}

func fromJSON(v any) ErrorBody {
	switch t := v.(type) {
	case map[string]any:
		fields := make(FieldsBody, len(t))
		for k, item := range t {
			switch item.(type) {
			case bool, float64, nil:
				// status flags and codes are not messages
				continue
			}
			fields[k] = messagesOf(item)
		}
		return fields
	case []any:
		list := make(ListBody, 0, len(t))
		for _, item := range t {
			list = append(list, fromJSON(item))
		}
		return list
	case string:
		return MessageBody(t)
	case nil:
		return MessageBody("")
	default:
		return MessageBody(fmt.Sprint(t))
	}
}

func messagesOf(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fromJSON(item).Message())
		}
		return out
	default:
		return []string{fromJSON(t).Message()}
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
