// Package env composes the environment handed to supervised children.
package env

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// PortVar is the variable every child receives with its allocated port.
const PortVar = "PORT"

type Var map[string]string

// Env layers global overrides on top of the supervisor's own environment.
// The zero value is usable; methods never mutate the receiver.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // OS environment snapshot, nil means "read lazily"
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS returns a copy whose base is a snapshot of os.Environ.
func (e *Env) FromOS() *Env {
	c := e.clone()
	c.base = Parse(os.Environ())
	return c
}

// Empty returns a copy with an empty base, so children see only explicit
// variables. Useful in tests.
func (e *Env) Empty() *Env {
	c := e.clone()
	c.base = Var{}
	return c
}

// WithSet returns a copy with K=V added to the global layer.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.Var[k] = v
	}
	return c
}

// WithUnset returns a copy without K in the global layer.
func (e *Env) WithUnset(k string) *Env {
	c := e.clone()
	delete(c.Var, k)
	return c
}

// Merge composes the final environment:
// base (OS env) < global Var < perProc ("K=V" entries).
// ${VAR} references are expanded against the composed map, one level deep.
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	return e.compose(perProc, 0)
}

// ForChild is Merge plus PORT=port, which always wins over every layer.
func (e *Env) ForChild(perProc []string, port int) []string {
	return e.compose(perProc, port)
}

func (e *Env) compose(perProc []string, port int) []string {
	base := e.base
	if base == nil {
		base = Parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var)+len(perProc)+1)
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	if port > 0 {
		m[PortVar] = strconv.Itoa(port)
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

// Parse turns "K=V" entries into a map, skipping malformed ones and empty keys.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func (e *Env) clone() *Env {
	c := &Env{Var: make(Var, len(e.Var)), base: e.base}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	return c
}

// expand replaces ${VAR} references found in m. Unknown references and bare
// $VAR forms are left untouched.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
