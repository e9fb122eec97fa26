package stepconf

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Print logs the fields of config with their env names, secrets redacted.
func Print(config interface{}, logger log.Logger) {
	logger.Printf(toString(config))
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return fmt.Sprintf("%v", v.Elem().Interface())
	}
	return ""
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	title := t.Name()
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s:\n", title))
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}

		name := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup("env"); ok {
			name, _ = parseTag(tag)
		}

		value := valueString(v.Field(i))
		if value == "" || v.Field(i).IsZero() {
			value = "<unset>"
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", name, value))
	}
	return b.String()
}
