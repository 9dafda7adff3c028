package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(kvs []string, key string) (string, bool) {
	m := Parse(kvs)
	v, ok := m[key]
	return v, ok
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("JANUS_ENV_BASE", "os")
	t.Setenv("JANUS_ENV_OVERRIDE", "os")

	e := New()
	e.Set("JANUS_ENV_OVERRIDE", "global")
	e.Set("JANUS_ENV_GLOBAL", "g")
	out := e.Merge(map[string]string{"JANUS_ENV_GLOBAL": "proc", "JANUS_ENV_PROC": "p"})

	v, ok := lookup(out, "JANUS_ENV_BASE")
	require.True(t, ok)
	assert.Equal(t, "os", v)
	v, _ = lookup(out, "JANUS_ENV_OVERRIDE")
	assert.Equal(t, "global", v)
	v, _ = lookup(out, "JANUS_ENV_GLOBAL")
	assert.Equal(t, "proc", v)
	v, _ = lookup(out, "JANUS_ENV_PROC")
	assert.Equal(t, "p", v)
}

func TestMergeExpandsAndSorts(t *testing.T) {
	e := New()
	e.Set("ROOT", "/srv")
	out := e.Merge(map[string]string{"DATA": "${ROOT}/data", "": "skipped"})

	v, _ := lookup(out, "DATA")
	assert.Equal(t, "/srv/data", v)
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("not sorted at %d: %q > %q", i, out[i-1], out[i])
		}
	}
	for _, kv := range out {
		if kv[0] == '=' {
			t.Fatalf("empty key leaked: %q", kv)
		}
	}
}

func TestMergeKeepsInheritedValuesLiteral(t *testing.T) {
	t.Setenv("JANUS_ENV_NGINX_TEMPLATE", "listen ${NGINX_PORT};")
	t.Setenv("JANUS_ENV_HOME", "/home/app")
	e := New()
	e.FromOS()
	e.Set("JANUS_ENV_CACHE", "${JANUS_ENV_HOME}/cache")
	out := e.Merge(map[string]string{"JANUS_ENV_MISSING": "[${JANUS_ENV_NOT_SET}]"})

	v, _ := lookup(out, "JANUS_ENV_NGINX_TEMPLATE")
	assert.Equal(t, "listen ${NGINX_PORT};", v)
	v, _ = lookup(out, "JANUS_ENV_CACHE")
	assert.Equal(t, "/home/app/cache", v, "configured values may reference inherited ones")
	v, _ = lookup(out, "JANUS_ENV_MISSING")
	assert.Equal(t, "[]", v)
}

func TestUnset(t *testing.T) {
	e := New()
	e.Set("A_ONLY_HERE", "1")
	e.Unset("A_ONLY_HERE")
	_, ok := lookup(e.Merge(nil), "A_ONLY_HERE")
	assert.False(t, ok)
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "B=x=y", "novalue", "=empty"})
	assert.Equal(t, Var{"A": "1", "B": "x=y"}, m)
}

func TestExpand(t *testing.T) {
	m := Var{"A": "1", "B": "${A}", "EMPTY": ""}
	cases := map[string]string{
		"plain":          "plain",
		"${A}":           "1",
		"x${A}y${A}z":    "x1y1z",
		"${B}":           "${A}", // replacement is not rescanned
		"${MISSING}-end": "-end",
		"${EMPTY}":       "",
		"tail ${A":       "tail ${A",
		"$A ${}":         "$A ",
	}
	for in, want := range cases {
		assert.Equal(t, want, Expand(in, m), "%q", in)
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app.env")
	content := "# comment\nFOO = bar\n\nexport BAZ=qux\nQUOTED=\"a b\"\nSINGLE='x # y'\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	m, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, Var{"FOO": "bar", "BAZ": "qux", "QUOTED": "a b", "SINGLE": "x # y"}, m)

	bad := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(bad, []byte("GOOD=1\nnot a pair\n"), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
