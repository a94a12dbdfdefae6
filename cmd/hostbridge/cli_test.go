package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/wasmtest"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// echoGuest copies the "qq" request header into an "x-qq" header.
func echoGuest() []byte {
	const ptrSlot, lenSlot, keyQQ, keyXQQ = 16, 20, 256, 272
	m := wasmtest.New()
	add := m.Import(bridge.ModuleName, bridge.FuncAddHeader, 5, 0)
	get := m.Import(bridge.ModuleName, bridge.FuncGetHeader, 5, 0)
	m.BumpAllocator("malloc", 4096)
	m.Data(keyQQ, []byte("qq")).Data(keyXQQ, []byte("x-qq"))
	m.Func("onStart", 1, 1,
		wasmtest.CallWith(get, bridge.HeaderTypeRequest, keyQQ, 2, ptrSlot, lenSlot),
		wasmtest.I32Const(bridge.HeaderTypeResponse),
		wasmtest.I32Const(keyXQQ), wasmtest.I32Const(4),
		wasmtest.I32Const(ptrSlot), wasmtest.I32Load(0),
		wasmtest.I32Const(lenSlot), wasmtest.I32Load(0),
		wasmtest.I32Const(1), wasmtest.I32Sub(),
		wasmtest.Call(add),
		wasmtest.I32Const(0),
	)
	return m.Bytes()
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.wasm"), echoGuest(), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := `
logging:
  output: stderr
  level: error
wasm:
  runtime_mode: interpreter
filter:
  name: echo
  path: echo.wasm
  pool_size: 1
  headers:
    qq: gg
    ab: cc
    woo: hoo
`
	path := filepath.Join(dir, "hostbridge.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"hostbridge", "run", "serve", "validate", "--config"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"/healthz", "/metrics", "--address"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIValidate(t *testing.T) {
	path := writeConfig(t)
	output, err := executeCommand(rootCmd, "validate", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "is valid") || !strings.Contains(output, `"echo"`) {
		t.Errorf("unexpected output: %s", output)
	}

	if _, err := executeCommand(rootCmd, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing config")
	}
}

func TestCLIRun(t *testing.T) {
	path := writeConfig(t)
	output, err := executeCommand(rootCmd, "run", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{
		"request: 3 headers, 48 byte pair buffer",
		"action: continue",
		"x-qq: gg",
	} {
		if !strings.Contains(output, phrase) {
			t.Errorf("run output should contain %q, got:\n%s", phrase, output)
		}
	}
}

func TestCLIRunHeaderFlag(t *testing.T) {
	path := writeConfig(t)
	output, err := executeCommand(rootCmd, "run", "--config", path, "-H", "qq=override")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "x-qq: override") {
		t.Errorf("unexpected output: %s", output)
	}

	if _, err := executeCommand(rootCmd, "run", "--config", path, "-H", "novalue"); err == nil {
		t.Error("expected error for a header without '='")
	}
}
