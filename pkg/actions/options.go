package actions

import (
	"fmt"
	"sort"
	"strings"
)

// options reads action options decoded from YAML, rejecting unknown keys.
type options struct {
	raw  map[string]any
	used map[string]bool
	err  error
}

func newOptions(raw map[string]any) *options {
	if raw == nil {
		raw = map[string]any{}
	}
	return &options{raw: raw, used: map[string]bool{}}
}

func (o *options) fail(key string, format string, args ...any) {
	if o.err == nil {
		o.err = fmt.Errorf("option %s: %s", key, fmt.Sprintf(format, args...))
	}
}

func (o *options) String(key, def string) string {
	o.used[key] = true
	v, ok := o.raw[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		o.fail(key, "must be a string")
		return def
	}
	return s
}

func (o *options) Int(key string, def int) int {
	o.used[key] = true
	v, ok := o.raw[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	o.fail(key, "must be an integer")
	return def
}

// Strings accepts a single string or a list of strings.
func (o *options) Strings(key string) []string {
	o.used[key] = true
	v, ok := o.raw[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case string:
		return []string{list}
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				o.fail(key, "must be a list of strings")
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	o.fail(key, "must be a list of strings")
	return nil
}

// Done reports the first decoding error or an unknown key.
func (o *options) Done() error {
	if o.err != nil {
		return o.err
	}
	var unknown []string
	for k := range o.raw {
		if !o.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown options: %s", strings.Join(unknown, ", "))
	}
	return nil
}
