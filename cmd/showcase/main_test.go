package main

import (
	"testing"
)

func TestArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{name: "showcase-spawner", base: "showcase-spawner", want: "spawner"},
		{name: "scspawner", base: "scspawner", want: "spawner"},
		{name: "showcase", base: "showcase", want: ""},
	}
	for _, tc := range tests {
		if got := argv0Alias(tc.base); got != tc.want {
			t.Fatalf("%s: argv0Alias(%q) = %q, want %q", tc.name, tc.base, got, tc.want)
		}
	}
}

func TestApplyArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "empty", args: nil, want: nil},
		{name: "no-alias", args: []string{"showcase", "serve"}, want: []string{"showcase", "serve"}},
		{name: "spawner", args: []string{"/usr/bin/showcase-spawner", "-c", "cfg.yaml"}, want: []string{"/usr/bin/showcase-spawner", "spawner", "-c", "cfg.yaml"}},
	}
	for _, tc := range tests {
		got := applyArgv0Alias(tc.args)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: applyArgv0Alias length = %d, want %d", tc.name, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: applyArgv0Alias[%d] = %q, want %q", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "spawner", "config", "doctor", "version"} {
		if !names[want] {
			t.Fatalf("expected root command to include %s", want)
		}
	}
}
