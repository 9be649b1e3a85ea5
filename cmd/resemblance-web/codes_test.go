package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadCodes(t *testing.T) {
	in := `# batch 2026-03
AB12CD
  ef34gh , IJ56KL

MN78OP,
`
	got, err := readCodes(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readCodes: %v", err)
	}
	want := []string{"AB12CD", "ef34gh", "IJ56KL", "MN78OP"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("codes mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCodesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.txt")
	if err := os.WriteFile(path, []byte("A1\nB2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readCodesFile(path, nil)
	if err != nil || len(got) != 2 {
		t.Errorf("expected 2 codes, got %v (%v)", got, err)
	}

	got, err = readCodesFile("-", bytes.NewBufferString("C3"))
	if err != nil || len(got) != 1 || got[0] != "C3" {
		t.Errorf("expected stdin code, got %v (%v)", got, err)
	}

	if _, err := readCodesFile(filepath.Join(t.TempDir(), "missing.txt"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestImportCodesCommand(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("GATE_BACKEND", "memory")
	t.Setenv("ARTIFACT_BACKEND", "local")
	t.Setenv("ARTIFACT_DIR", t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"import-codes", "aa11", "BB22", "AA11"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("import-codes: %v", err)
	}
	if got := out.String(); got != "created: 2, skipped: 1\n" {
		t.Errorf("unexpected output %q", got)
	}
}
