package main

import (
	"testing"
)

func TestBuildRootCmdHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	want := []string{"serve", "migrate", "status", "events", "unlock"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", "")

	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("empty path = %q, want %q", got, defaultConfigName)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path = %q", got)
	}

	t.Setenv("WARDEN_CONFIG", "/etc/warden/env.yaml")
	if got := resolveConfigPath(defaultConfigName); got != "/etc/warden/env.yaml" {
		t.Errorf("env fallback = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("explicit path with env set = %q", got)
	}
}
