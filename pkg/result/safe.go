package result

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

// SafeValue transforms a value tree into one that is always serializable:
// structured errors collapse to {kind, msg}, text with invalid UTF-8 bytes
// gets each bad byte hex-escaped, and self-referential containers are cut
// off by an identity-based visited set. It never fails, whatever the shape
// of the input.
func SafeValue(v any) any {
	return safeWalk(v, map[uintptr]bool{})
}

func safeWalk(v any, seen map[uintptr]bool) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *Error:
		return map[string]any{"kind": x.Kind, "msg": safeString(x.Msg)}
	case error:
		return map[string]any{"kind": KindTransport, "msg": safeString(x.Error())}
	case string:
		return safeString(x)
	case []byte:
		return safeString(string(x))
	case map[string]any:
		p := reflect.ValueOf(x).Pointer()
		if seen[p] {
			return x
		}
		seen[p] = true
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[safeString(k)] = safeWalk(vv, seen)
		}
		return out
	case []any:
		if len(x) > 0 {
			p := reflect.ValueOf(x).Pointer()
			if seen[p] {
				return x
			}
			seen[p] = true
		}
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = safeWalk(vv, seen)
		}
		return out
	default:
		return v
	}
}

// safeString replaces bytes that are not valid UTF-8 with a \xNN escape
// instead of failing downstream in the JSON encoder.
func safeString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, "\\x%02X", s[i])
			i++
			continue
		}
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}
