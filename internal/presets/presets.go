// Package presets supplies per-presentation launch options from a TOML file.
//
// A presets file maps presentation types to profiles:
//
//	[voila]
//	args = ["--strip_sources=True"]
//	env = { VOILA_THEME = "dark" }
//
//	[default]
//	args = []
//
// Values may reference {username}, {urlname}, {dashboard_id} and
// {presentation_type}. The [default] profile applies to types without one.
package presets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
)

const defaultProfile = "default"

// Profile holds the launch extras for one presentation type.
type Profile struct {
	Args []string          `toml:"args"`
	Env  map[string]string `toml:"env"`
}

// Provider implements core.OptionsProvider.
type Provider struct {
	profiles map[string]Profile
	strict   bool
}

var _ core.OptionsProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// Strict rejects presentation types with no profile and no default.
func Strict() Option {
	return func(p *Provider) { p.strict = true }
}

// Load reads a presets file.
func Load(path string, opts ...Option) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	return Parse(data, opts...)
}

// Parse decodes presets from TOML.
func Parse(data []byte, opts ...Option) (*Provider, error) {
	profiles := map[string]Profile{}
	if err := toml.Unmarshal(data, &profiles); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, fmt.Errorf("parse presets at %d:%d: %w", row, col, err)
		}
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	p := &Provider{profiles: profiles}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Types lists the configured presentation types in order.
func (p *Provider) Types() []string {
	out := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PrespawnOptions returns presentation_args and presentation_env extras for the dashboard.
func (p *Provider) PrespawnOptions(_ context.Context, dashboard schema.Dashboard, ns core.Namespace) (map[string]any, error) {
	kind := ns["presentation_type"]
	if kind == "" {
		kind = string(dashboard.PresentationType)
	}
	profile, ok := p.profiles[kind]
	if !ok {
		profile, ok = p.profiles[defaultProfile]
	}
	if !ok {
		if p.strict {
			return nil, fmt.Errorf("no preset for presentation type %q", kind)
		}
		return map[string]any{}, nil
	}
	expand := expander(ns)
	args := make([]any, 0, len(profile.Args))
	for _, arg := range profile.Args {
		args = append(args, expand.Replace(arg))
	}
	env := make(map[string]any, len(profile.Env))
	for k, v := range profile.Env {
		env[k] = expand.Replace(v)
	}
	return map[string]any{
		schema.OptionPresentationArgs: args,
		schema.OptionPresentationEnv:  env,
	}, nil
}

func expander(ns core.Namespace) *strings.Replacer {
	pairs := make([]string, 0, len(ns)*2)
	for k, v := range ns {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}
