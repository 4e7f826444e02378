package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
)

func TestLoadRuntimeConfigAppliesLivenessToEveryRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node = "linkctl.alpha"
server_addr = "10.0.0.5:7100"
heartbeat_interval = "2s"
idle_timeout = "12s"
bootstrap_wait = "3s"

[reconnect]
attempts = 9
delay = "250ms"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Client.Node != "linkctl.alpha" {
		t.Fatalf("unexpected node: %q", cfg.Client.Node)
	}
	if cfg.Client.ServerAddr != "10.0.0.5:7100" {
		t.Fatalf("unexpected server addr: %q", cfg.Client.ServerAddr)
	}
	for _, role := range protocol.Roles {
		rc := cfg.Client.Session.Role(role)
		if rc.HeartbeatInterval != 2*time.Second || rc.IdleTimeout != 12*time.Second {
			t.Fatalf("%s liveness not applied: %+v", role, rc)
		}
	}
	if cfg.Client.Session.BootstrapWait != 3*time.Second {
		t.Fatalf("unexpected bootstrap wait: %s", cfg.Client.Session.BootstrapWait)
	}
	if cfg.Client.Session.DialTimeout != 5*time.Second {
		t.Fatalf("dial timeout should keep default, got %s", cfg.Client.Session.DialTimeout)
	}
	if got := cfg.Client.Session.Reconnect; got.MaxAttempts != 9 || got.Delay != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect: %+v", got)
	}
}

func TestLoadRuntimeConfigRequiresServerAddr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`server_addr = ""`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRuntimeConfig(path); err == nil {
		t.Fatalf("expected server_addr error")
	}
}

func TestParseLine(t *testing.T) {
	pkg, quit, err := parseLine("@bob hello there", "")
	if err != nil || quit {
		t.Fatalf("parse direct message: quit=%v err=%v", quit, err)
	}
	if pkg.Kind != frame.KindMessage || pkg.Receiver != "bob" || pkg.Content() != "hello there" {
		t.Fatalf("unexpected package: %s", pkg)
	}

	pkg, _, err = parseLine("plain text", "carol")
	if err != nil {
		t.Fatalf("parse plain line: %v", err)
	}
	if pkg.Receiver != "carol" {
		t.Fatalf("plain line should use default receiver, got %q", pkg.Receiver)
	}

	if _, _, err := parseLine("plain text", ""); err == nil {
		t.Fatalf("expected error without receiver")
	}
	if _, _, err := parseLine("/bogus", "carol"); err == nil {
		t.Fatalf("expected unknown command error")
	}

	pkg, _, err = parseLine("/logout", "")
	if err != nil || pkg.Kind != frame.KindCommand || pkg.Operation != protocol.OpLogout {
		t.Fatalf("unexpected logout parse: %v %v", pkg, err)
	}

	if _, quit, _ := parseLine("/quit", ""); !quit {
		t.Fatalf("expected quit")
	}

	file := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(file, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	pkg, _, err = parseLine("/file "+file, "")
	if err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if pkg.Kind != frame.KindFile || pkg.File.Size != 3 {
		t.Fatalf("unexpected file package: %s", pkg)
	}
}
