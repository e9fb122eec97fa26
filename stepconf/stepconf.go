// Package stepconf fills configuration structs from environment variables described by `env` struct tags.
//
// The tag holds the variable name and an optional constraint:
//
//	URL       string `env:"RUPLOAD_URL,required"`
//	Mode      string `env:"RUPLOAD_MODE,opt[fast,safe,'fast,safe']"`
//	Input     string `env:"RUPLOAD_INPUT,file"`
//	Token     Secret `env:"RUPLOAD_TOKEN"`
//	Tags      []string `env:"RUPLOAD_TAGS"` // "a|b|c"
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ErrRequired indicates a required variable is not set.
var ErrRequired = errors.New("required variable is not present")

// ErrEmptyKey indicates an env tag without a variable name.
var ErrEmptyKey = errors.New("empty key")

// EnvGetter reads environment variables.
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string that is redacted when printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Parse fills the fields of conf from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		if key == "" {
			errs = append(errs, fmt.Sprintf("- %s: %s", t.Field(i).Name, ErrEmptyKey))
			continue
		}

		value := envGetter.Get(key)
		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", key, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func parseTag(tag string) (string, string) {
	if i := strings.Index(tag, ","); i >= 0 {
		return strings.TrimSpace(tag[:i]), strings.TrimSpace(tag[i+1:])
	}
	return strings.TrimSpace(tag), ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setValue(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		items := strings.Split(value, "|")
		slice := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			slice.Index(i).SetString(item)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == "required":
		if value == "" {
			return ErrRequired
		}
	case constraint == "file", constraint == "dir":
		if err := checkPath(value, constraint == "dir"); err != nil {
			return err
		}
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
		if err := ValidateRangeFields(value, constraint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	file, err := os.Stat(path)
	if err != nil {
		return err
	}
	if dir && !file.IsDir() {
		return errors.New("not a directory")
	}
	if !dir && file.IsDir() {
		return errors.New("not a file")
	}
	return nil
}

// ValidateRangeFields checks that value is one of the options of an opt[...] constraint.
// Options containing a comma are written between single quotes.
func ValidateRangeFields(value, constraint string) error {
	opts := getOptionsFromConstraint(constraint)
	for _, opt := range opts {
		if opt == value {
			return nil
		}
	}
	return fmt.Errorf("value is not in value options (%s)", strings.Join(opts, ", "))
}

func getOptionsFromConstraint(constraint string) []string {
	list := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var (
		opts   []string
		opt    strings.Builder
		quoted bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, strings.TrimSpace(opt.String()))
			opt.Reset()
		default:
			opt.WriteRune(r)
		}
	}
	return append(opts, strings.TrimSpace(opt.String()))
}
