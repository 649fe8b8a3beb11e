// Package bootstrap seeds the runtime directory with editable prompt
// templates and loads them back for the runtime. Users customize the
// seeded files; embedded copies are the fallback.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Prompt file names under <runtimeDir>/prompts/.
const (
	RootPromptFile = "root.md"
	OrgPromptFile  = "org.md"
)

var templateFiles = []string{RootPromptFile, OrgPromptFile}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsurePromptFiles seeds the prompt templates into dir. Existing files
// are never overwritten. Returns the names of the files created.
func EnsurePromptFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed prompt", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// LoadPrompt reads a prompt file from dir, falling back to the embedded
// template when the file is absent.
func LoadPrompt(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err == nil {
		return string(data)
	}
	content, terr := ReadTemplate(name)
	if terr != nil {
		slog.Warn("bootstrap: prompt unavailable", "file", name, "error", terr)
		return ""
	}
	return content
}

// seedTemplate writes one template if it doesn't exist yet. Reports
// whether the file was created.
func seedTemplate(dir, name string) (bool, error) {
	dstPath := filepath.Join(dir, name)

	// O_EXCL keeps user edits safe on re-run.
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
