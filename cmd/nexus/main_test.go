package main

import (
	"testing"
)

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("resolveConfigPath(explicit) = %q", got)
	}

	t.Setenv("NEXUS_CONFIG", "env.yaml")
	if got := resolveConfigPath(""); got != "env.yaml" {
		t.Fatalf("resolveConfigPath(env) = %q", got)
	}

	t.Setenv("NEXUS_CONFIG", "")
	if got := resolveConfigPath(""); got != "nexus.yaml" {
		t.Fatalf("resolveConfigPath(default) = %q", got)
	}
}

func TestRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "migrate", "doctor"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("Find(%q) error = %v", name, err)
		}
		if cmd.Name() != name {
			t.Fatalf("Find(%q) returned %q", name, cmd.Name())
		}
	}
}
