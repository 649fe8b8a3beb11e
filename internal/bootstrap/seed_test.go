package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsurePromptFilesSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsurePromptFiles(dir)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %v, want two files", created)
	}

	for _, name := range []string{RootPromptFile, OrgPromptFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// Re-run must not recreate or overwrite.
	marker := "# my edit\n"
	if err := os.WriteFile(filepath.Join(dir, RootPromptFile), []byte(marker), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	created, err = EnsurePromptFiles(dir)
	if err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("re-seed created = %v, want none", created)
	}
	data, _ := os.ReadFile(filepath.Join(dir, RootPromptFile))
	if string(data) != marker {
		t.Fatalf("user edit overwritten: %q", data)
	}
}

func TestLoadPromptPrefersFileOverEmbedded(t *testing.T) {
	dir := t.TempDir()

	// No file: embedded template.
	embedded := LoadPrompt(dir, OrgPromptFile)
	if !strings.Contains(embedded, "agent organization") {
		t.Fatalf("embedded org prompt = %q", embedded)
	}

	if err := os.WriteFile(filepath.Join(dir, OrgPromptFile), []byte("custom"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := LoadPrompt(dir, OrgPromptFile); got != "custom" {
		t.Fatalf("LoadPrompt = %q, want file contents", got)
	}
}

func TestReadTemplateUnknownName(t *testing.T) {
	if _, err := ReadTemplate("nope.md"); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}
