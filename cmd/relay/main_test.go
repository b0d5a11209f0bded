package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay/relay.yaml")
	if got := defaultConfigPath(); got != "/etc/relay/relay.yaml" {
		t.Fatalf("expected env override, got %q", got)
	}
}
