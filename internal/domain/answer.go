package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OtherSentinel is the option value that defers to Answer.OtherValue.
const OtherSentinel = "other"

type valueKind int

const (
	kindAbsent valueKind = iota
	kindScalar
	kindList
)

// Value is an answer value: absent, a scalar, or an ordered list of strings.
type Value struct {
	kind   valueKind
	scalar string
	list   []string
}

// Text returns a scalar value.
func Text(s string) Value { return Value{kind: kindScalar, scalar: s} }

// Number returns a scalar value holding the decimal form of f.
func Number(f float64) Value {
	return Text(strconv.FormatFloat(f, 'f', -1, 64))
}

// Bool returns a scalar value holding "true" or "false".
func Bool(b bool) Value { return Text(strconv.FormatBool(b)) }

// List returns a multi-select value.
func List(items ...string) Value {
	return Value{kind: kindList, list: append([]string{}, items...)}
}

// Present reports whether the value was answered at all.
func (v Value) Present() bool { return v.kind != kindAbsent }

// IsList reports whether the value is a multi-select sequence.
func (v Value) IsList() bool { return v.kind == kindList }

// Scalar returns the scalar content; empty for lists and absent values.
func (v Value) Scalar() string { return v.scalar }

// Items returns a copy of the list content; nil for scalars.
func (v Value) Items() []string {
	if v.kind != kindList {
		return nil
	}
	return append([]string{}, v.list...)
}

// Empty reports whether the value carries no content.
func (v Value) Empty() bool {
	switch v.kind {
	case kindScalar:
		return v.scalar == ""
	case kindList:
		return len(v.list) == 0
	default:
		return true
	}
}

// String joins list items with "," the way a list coerces to a string.
func (v Value) String() string {
	if v.kind == kindList {
		return strings.Join(v.list, ",")
	}
	return v.scalar
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindScalar:
		return json.Marshal(v.scalar)
	case kindList:
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = Value{}
		return nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("domain: decode answer value: %w", err)
	}
	switch t := raw.(type) {
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			s, err := scalarString(item)
			if err != nil {
				return err
			}
			items = append(items, s)
		}
		*v = List(items...)
	default:
		s, err := scalarString(t)
		if err != nil {
			return err
		}
		*v = Text(s)
	}
	return nil
}

func scalarString(raw any) (string, error) {
	switch t := raw.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("domain: unsupported answer value of type %T", raw)
	}
}

// Answer is the user's response to one element.
type Answer struct {
	Value      Value  `json:"value"`
	OtherValue string `json:"otherValue,omitempty"`
}

// Answers is the answer set keyed by element name.
type Answers map[string]Answer
