// Package env layers variables read from env files over the process
// environment. Real environment variables always win.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // variables from env files (K->V)
	env Var // cached base from OS environment
}

// FromOS returns an Env over the current process environment.
func FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return &Env{Var: make(Var), env: base}
}

// Set records a file variable. ${VAR} references in v are expanded
// against what is visible so far, so later lines may build on earlier
// ones and on the OS environment.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = e.Expand(v)
}

// SetAll records every pair of m in key order.
func (e *Env) SetAll(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Set(k, m[k])
	}
}

// Lookup returns the OS value when set and non-empty, else the file value.
func (e *Env) Lookup(k string) (string, bool) {
	if v := e.env[k]; v != "" {
		return v, true
	}
	v, ok := e.Var[k]
	return v, ok
}

// Get is Lookup without the presence flag. It matches os.Getenv.
func (e *Env) Get(k string) string {
	v, _ := e.Lookup(k)
	return v
}

// FromFile reports whether k resolves to a file value rather than the OS.
func (e *Env) FromFile(k string) bool {
	if e.env[k] != "" {
		return false
	}
	_, ok := e.Var[k]
	return ok
}

// Expand replaces ${VAR} and $VAR in s. Unknown names expand to "".
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, e.Get)
}

// Environ returns the merged environment in "K=V" form, sorted by key.
// It returns nil when no file variables are set so callers inherit the
// parent environment unchanged.
func (e *Env) Environ() []string {
	if len(e.Var) == 0 {
		return nil
	}
	m := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range e.env {
		if v != "" || m[k] == "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
