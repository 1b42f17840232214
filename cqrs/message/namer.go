package message

import (
	"reflect"
	"strings"
	"unicode"
)

// NameOf returns the snake_case name of the Go type behind v.
func NameOf(v any) string {
	name := camelToSnake(typeNameOf(v))
	if name == "" {
		return "event"
	}

	return name
}

// SanitizeTopic lower-cases a topic and replaces spaces.
func SanitizeTopic(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func camelToSnake(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func typeNameOf(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
