package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindInt
	KindBool
	KindList
)

// Value is one scalar entry of a Details payload: a string, an integer, a
// bool or a list of strings. The zero Value is an empty string.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	flag bool
	list []string
}

func String(v string) Value    { return Value{kind: KindString, str: v} }
func Int(v int) Value          { return Value{kind: KindInt, num: int64(v)} }
func Bool(v bool) Value        { return Value{kind: KindBool, flag: v} }
func Strings(v []string) Value { return Value{kind: KindList, list: append([]string(nil), v...)} }

func (v Value) Kind() ValueKind {
	if v.kind == 0 {
		return KindString
	}
	return v.kind
}

func (v Value) Int() int64     { return v.num }
func (v Value) Bool() bool     { return v.flag }
func (v Value) List() []string { return append([]string(nil), v.list...) }
func (v Value) Text() string   { return v.str }

func (v Value) String() string {
	switch v.Kind() {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindList:
		return strings.Join(v.list, ",")
	default:
		return v.str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindInt:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.flag)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return json.Marshal(v.str)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '[':
		var l []string
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("detail list must hold strings: %w", err)
		}
		*v = Strings(l)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("detail value %s is not a scalar", data)
		}
		*v = Value{kind: KindInt, num: n}
	}
	return nil
}

// Details is the structured payload attached to audit entries, messages and
// validation errors.
type Details map[string]Value

// Merge returns a copy of d with the entries of other layered on top.
func (d Details) Merge(other Details) Details {
	out := make(Details, len(d)+len(other))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// LogValue renders the details as a slog group with stable key order.
func (d Details) LogValue() slog.Value {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, d[k].String()))
	}
	return slog.GroupValue(attrs...)
}

// MarshalDetails encodes d for storage; nil encodes as "{}".
func MarshalDetails(d Details) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

func UnmarshalDetails(raw string) (Details, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var d Details
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	if len(d) == 0 {
		return nil, nil
	}
	return d, nil
}
