package main

import "testing"

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	want := []string{"connect", "events", "status", "export-state"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("expected subcommand %q to be registered: %v", name, err)
		}
		if cmd.Name() != name {
			t.Fatalf("Find(%q) returned command %q", name, cmd.Name())
		}
	}
}

func TestNewClientRequiresAddr(t *testing.T) {
	flagAddr = ""
	if _, err := newClient(); err == nil {
		t.Fatal("expected an error when no --addr is configured")
	}
}
