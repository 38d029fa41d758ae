// Package config loads the identity service configuration. Values are
// resolved in layers, later layers winning:
//
//	envDefault struct tags
//	YAML or JSON config file
//	environment variables
//
// # Struct Tags
//
//   - `env:"NAME"` maps a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the struct's fields.
//   - `envDefault:"value"` applies when the field is still zero.
//   - `required:"true"` fails loading if the field is zero afterwards.
//
// File decoding goes through the `yaml` and `json` tags.
//
// # Usage
//
//	var cfg config.Service
//	err := config.New().
//	    WithEnvPrefix("IDENTITY").
//	    WithFile("identity.yaml").
//	    Load(&cfg)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// time.Duration is an int64 kind but parses with time.ParseDuration.
var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// Loader resolves configuration into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    LookupFunc
}

// New returns a Loader that reads the process environment only.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends prefix and an underscore to every variable name.
// The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the YAML (.yaml, .yml) or JSON (.json) file to read. A
// missing file is skipped. Paths containing ".." are rejected.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces the environment source. Tests use it to avoid
// mutating the process environment.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and then
// validates it: `required` tags first, then [Validator] if cfg implements
// it. Loading failures carry [sserr.CodeInternalConfiguration]. A cfg
// implementing [SecretResolver] resolves its secrets before validation.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix, l.lookup); err != nil {
		return err
	}
	if r, ok := cfg.(SecretResolver); ok {
		if err := r.ResolveSecrets(l.lookup); err != nil {
			return err
		}
	}
	return validate(cfg, rv)
}

// SecretResolver is implemented by configuration that names secrets by
// environment variable instead of holding them. ResolveSecrets runs after
// the environment layer and before validation.
type SecretResolver interface {
	ResolveSecrets(lookup LookupFunc) error
}

// MustLoad loads a T or panics. Intended for main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// nested reports whether field is a struct the loader descends into.
func nested(field reflect.Value) bool {
	return field.Kind() == reflect.Struct && field.Type() != durationType
}

// applyDefaults sets zero-valued fields from their envDefault tags.
func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if nested(field) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

// applyEnv sets fields from the environment. A nested struct's env tag is
// joined onto prefix with "_" for its fields.
func applyEnv(rv reflect.Value, prefix string, lookup LookupFunc) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if nested(field) {
			if err := applyEnv(field, joinKey(prefix, envTag), lookup); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		key := joinKey(prefix, envTag)
		val, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "_" + name
	}
}

// setField parses value into field. Supported kinds: string (including
// named string types such as secrets), bool, signed and unsigned integers,
// time.Duration and []string (comma-separated).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
