// Package env composes the environment handed to child processes.
package env

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/subosito/gotenv"
)

// Var maps variable names to values.
type Var map[string]string

// Env layers supervisor-wide variables over a snapshot of the OS environment.
type Env struct {
	Var  Var // supervisor-wide overrides
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS snapshots the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

func (e *Env) Unset(k string) { delete(e.Var, k) }

// Merge returns the KEY=VALUE list for a child: OS snapshot, then e.Var,
// then perProc, later layers winning. ${NAME} references in e.Var and
// perProc values are replaced once with the composed value of NAME (unknown
// names become ""); values inherited from the OS are passed through
// verbatim. The result is sorted by key so every spawn of a spec sees the
// same environment.
func (e *Env) Merge(perProc map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	maps.Copy(m, e.base)
	configured := make(map[string]bool, len(e.Var)+len(perProc))
	for _, layer := range []map[string]string{e.Var, perProc} {
		for k, v := range layer {
			if k != "" {
				m[k] = v
				configured[k] = true
			}
		}
	}
	keys := slices.Sorted(maps.Keys(m))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if configured[k] {
			v = Expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	return out
}

// Expand replaces every ${NAME} in s with m[NAME] in a single left-to-right
// pass. Replacement text is not rescanned. An unterminated "${" is kept.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
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
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}

// Parse converts "KEY=VALUE" entries into a map. Entries without '=' or with an
// empty key are skipped.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// LoadFile reads a dotenv file: KEY=VALUE lines, optional "export", single
// or double quoted values and # comments. A malformed line is an error.
func LoadFile(path string) (Var, error) {
	m, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Var(m), nil
}
