// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package erldist

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// writeTemp creates a temporary file with the given content, returning its path
// and a cleanup function.
func writeTemp(t *testing.T, content string) (string, func()) {
	dir, err := ioutil.TempDir("", "erldist-")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	path := filepath.Join(dir, "file")
	if err := ioutil.WriteFile(path, []byte(content), 0600); err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Failed to write temporary file: %v", err)
	}
	return path, func() { os.RemoveAll(dir) }
}

// Tests that configs are assembled from defaults, files and the environment in
// the correct order of priority.
func TestLoadConfig(t *testing.T) {
	path, cleanup := writeTemp(t, `
Name = "bit@localhost"
Cookie = "file-cookie"
Digest = "decimal"
Allowed = ["bat@localhost", "bot@localhost"]
EPMDPort = 4370
Hidden = true
`)
	defer cleanup()

	for _, env := range []string{EnvNode, EnvCookie, EnvEPMDHost, EnvEPMDPort} {
		os.Unsetenv(env)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	want := DefaultConfig
	want.Name = "bit@localhost"
	want.Cookie = "file-cookie"
	want.Digest = "decimal"
	want.Allowed = []string{"bat@localhost", "bot@localhost"}
	want.EPMDPort = 4370
	want.Hidden = true

	if !reflect.DeepEqual(*config, want) {
		t.Errorf("config mismatch:\nhave %+v\nwant %+v", *config, want)
	}
	// Override some fields from the environment
	os.Setenv(EnvCookie, "env-cookie")
	os.Setenv(EnvEPMDHost, "10.0.0.1")
	os.Setenv(EnvEPMDPort, "4371")
	defer os.Unsetenv(EnvCookie)
	defer os.Unsetenv(EnvEPMDHost)
	defer os.Unsetenv(EnvEPMDPort)

	if config, err = LoadConfig(path); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	want.Cookie, want.EPMDHost, want.EPMDPort = "env-cookie", "10.0.0.1", 4371
	if !reflect.DeepEqual(*config, want) {
		t.Errorf("config mismatch:\nhave %+v\nwant %+v", *config, want)
	}
	// Invalid environment values must be reported
	os.Setenv(EnvEPMDPort, "not-a-port")
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("invalid environment accepted")
	}
	os.Setenv(EnvEPMDPort, "4371")

	// Without a file, only the defaults and the environment apply
	os.Setenv(EnvNode, "bat")
	defer os.Unsetenv(EnvNode)

	if config, err = LoadConfig(""); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Name != "bat" || config.ListenAddr != DefaultConfig.ListenAddr {
		t.Errorf("fileless config mismatch: %+v", *config)
	}
}

// Tests that unknown configuration fields are rejected with the file name.
func TestLoadConfigUnknownField(t *testing.T) {
	path, cleanup := writeTemp(t, "Nmae = \"typo\"\n")
	defer cleanup()

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("unknown field accepted")
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error lacks file name: %v", err)
	}
	if _, err := LoadConfig(path + ".missing"); err == nil {
		t.Errorf("missing file accepted")
	}
}

// Tests that a dumped configuration can be loaded back.
func TestConfigDump(t *testing.T) {
	config := DefaultConfig
	config.Name = "bit@localhost"
	config.Allowed = []string{"bat@localhost"}

	blob, err := config.Dump()
	if err != nil {
		t.Fatalf("Failed to dump config: %v", err)
	}
	path, cleanup := writeTemp(t, string(blob))
	defer cleanup()

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load dumped config: %v", err)
	}
	if loaded.Name != config.Name || !reflect.DeepEqual(loaded.Allowed, config.Allowed) {
		t.Errorf("dumped config mismatch: have %+v, want %+v", *loaded, config)
	}
}

// Tests that cookies are read from files with surrounding whitespace removed.
func TestReadCookie(t *testing.T) {
	path, cleanup := writeTemp(t, "  SECRETCOOKIE\n")
	defer cleanup()

	cookie, err := ReadCookie(path)
	if err != nil {
		t.Fatalf("Failed to read cookie: %v", err)
	}
	if cookie != "SECRETCOOKIE" {
		t.Errorf("cookie mismatch: have %q, want %q", cookie, "SECRETCOOKIE")
	}
	empty, cleanup := writeTemp(t, "\n")
	defer cleanup()

	if _, err := ReadCookie(empty); err == nil {
		t.Errorf("empty cookie accepted")
	}
	if fp := cookieFingerprint("SECRETCOOKIE"); fp != cookieFingerprint("SECRETCOOKIE") || len(fp) != 8 || strings.Contains(fp, "SECRET") {
		t.Errorf("invalid cookie fingerprint: %s", fp)
	}
}

// Tests that full node names are split at the last @ sign.
func TestSplitName(t *testing.T) {
	tests := []struct {
		node, name, host string
	}{
		{"bit@localhost", "bit", "localhost"},
		{"bit", "bit", ""},
		{"a@b@c", "a@b", "c"},
		{"@host", "", "host"},
	}
	for _, tt := range tests {
		name, host := splitName(tt.node)
		if name != tt.name || host != tt.host {
			t.Errorf("%s: split mismatch: have %s/%s, want %s/%s", tt.node, name, host, tt.name, tt.host)
		}
	}
}
