package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remoteshell/pkg/errdefs"
)

const sample = `
defaults:
  user: deploy
  timeout: 3s
  known_hosts: ~/.ssh/known_hosts
hosts:
  web:
    host: 10.0.0.5
    port: 2222
    identity: ~/.ssh/id_ed25519
  db:
    password_env: DB_PASSWORD
    exec_timeout: 1m
`

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rshell.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	cfg, err := Load(write(t, sample))
	if err != nil {
		t.Fatal(err)
	}

	web := cfg.Lookup("web")
	if web.Host != "10.0.0.5" || web.Port != 2222 || web.User != "deploy" || web.Timeout != 3*time.Second {
		t.Fatalf("web = %+v", web)
	}
	if web.KnownHosts != "~/.ssh/known_hosts" {
		t.Errorf("known_hosts not inherited: %q", web.KnownHosts)
	}
	if err := web.Validate(); err != nil {
		t.Errorf("web invalid: %v", err)
	}

	db := cfg.Lookup("db")
	if db.Host != "db" || db.Port != 22 || db.ExecTimeout != time.Minute {
		t.Fatalf("db = %+v", db)
	}

	bare := cfg.Lookup("example.org")
	if bare.Host != "example.org" || bare.User != "deploy" {
		t.Fatalf("bare = %+v", bare)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := Load(write(t, "hosts: [")); err == nil {
		t.Fatal("broken yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	err := Profile{Port: 70000}.Validate()
	if !errors.Is(err, errdefs.ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
	if err := Default().Lookup("h").Validate(); err == nil {
		t.Fatal("profile without credentials accepted")
	}
}

func TestPassword(t *testing.T) {
	t.Setenv("RSHELL_TEST_PW", "s3cret")
	pw, err := Profile{PasswordEnv: "RSHELL_TEST_PW"}.Password()
	if err != nil || pw != "s3cret" {
		t.Fatalf("password = %q, %v", pw, err)
	}
	if _, err := (Profile{PasswordEnv: "RSHELL_TEST_UNSET_VARIABLE"}).Password(); err == nil {
		t.Fatal("unset variable accepted")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip(err)
	}
	if got := ExpandHome("~/.ssh/id"); got != filepath.Join(home, ".ssh/id") {
		t.Fatalf("got %q", got)
	}
	if got := ExpandHome("/etc/x"); got != "/etc/x" {
		t.Fatalf("got %q", got)
	}
}
