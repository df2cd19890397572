// Package environment reads typed settings from environment variables that
// share a prefix.
//
// Unset or blank variables yield the supplied default. A variable that is
// set but cannot be parsed also yields the default, and the parse error is
// kept so the caller can report every malformed setting at once through Err.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reader looks up variables named prefix+key. It is not safe for concurrent
// use.
type Reader struct {
	prefix string
	errs   []error
}

// NewReader returns a Reader for variables starting with prefix, e.g. "KIOKU_".
func NewReader(prefix string) *Reader {
	return &Reader{prefix: prefix}
}

// Name returns the full variable name for key.
func (r *Reader) Name(key string) string { return r.prefix + key }

// String returns the trimmed value of key, or def when unset or blank.
func (r *Reader) String(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

// Bool parses key with strconv.ParseBool.
func (r *Reader) Bool(key string, def bool) bool {
	return parse(r, key, def, strconv.ParseBool)
}

// Int parses key as a decimal integer.
func (r *Reader) Int(key string, def int) int {
	return parse(r, key, def, strconv.Atoi)
}

// Float parses key as a float64.
func (r *Reader) Float(key string, def float64) float64 {
	return parse(r, key, def, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// Duration parses key with time.ParseDuration ("30s", "5m", "1h").
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	return parse(r, key, def, time.ParseDuration)
}

// StringSlice parses key as a comma-separated list, trimming each element
// and dropping empty ones. A list with no elements yields def.
func (r *Reader) StringSlice(key string, def []string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Err returns every parse error seen so far, or nil.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func (r *Reader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(r.Name(key)))
	return v, v != ""
}

func parse[T any](r *Reader, key string, def T, fn func(string) (T, error)) T {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	out, err := fn(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: cannot parse %q: %w", r.Name(key), v, err))
		return def
	}
	return out
}
