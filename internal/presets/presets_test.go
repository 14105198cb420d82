package presets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
)

const sample = `
[voila]
args = ["--strip_sources=True", "--base_url=/dash/{urlname}/"]
env = { VOILA_THEME = "dark", OWNER = "{username}" }

[default]
args = ["--quiet"]
`

func TestPrespawnOptionsForType(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	ns := core.Namespace{"username": "alice", "urlname": "report", "presentation_type": "voila"}
	got, err := p.PrespawnOptions(context.Background(), schema.Dashboard{Owner: "alice"}, ns)
	require.NoError(t, err)
	assert.Equal(t, []any{"--strip_sources=True", "--base_url=/dash/report/"}, got[schema.OptionPresentationArgs])
	assert.Equal(t, map[string]any{"VOILA_THEME": "dark", "OWNER": "alice"}, got[schema.OptionPresentationEnv])
}

func TestPrespawnOptionsFallsBackToDefault(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)

	got, err := p.PrespawnOptions(context.Background(), schema.Dashboard{}, core.Namespace{"presentation_type": "streamlit"})
	require.NoError(t, err)
	assert.Equal(t, []any{"--quiet"}, got[schema.OptionPresentationArgs])
	assert.Empty(t, got[schema.OptionPresentationEnv])
}

func TestPrespawnOptionsStrict(t *testing.T) {
	p, err := Parse([]byte(`[voila]
args = []
`), Strict())
	require.NoError(t, err)

	_, err = p.PrespawnOptions(context.Background(), schema.Dashboard{}, core.Namespace{"presentation_type": "panel"})
	assert.ErrorContains(t, err, `no preset for presentation type "panel"`)

	lenient, err := Parse([]byte(`[voila]
args = []
`))
	require.NoError(t, err)
	got, err := lenient.PrespawnOptions(context.Background(), schema.Dashboard{}, core.Namespace{"presentation_type": "panel"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadReportsPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.toml")
	require.NoError(t, os.WriteFile(path, []byte("[voila\nargs = 1\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse presets")
}

func TestTypesSorted(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "voila"}, p.Types())
}
