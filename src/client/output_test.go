package client

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schollz/sharepeer/src/session"
)

func TestOutputSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var prompts bytes.Buffer
	o := NewOutput(dir, false, false, strings.NewReader(""), &prompts)

	path, err := o.Save(session.ReceivedFile{Name: "../../escape.txt", Data: []byte("safe")})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if path != filepath.Join(dir, "escape.txt") {
		t.Errorf("saved to %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "safe" {
		t.Errorf("content = %q, %v", data, err)
	}
	if prompts.Len() != 0 {
		t.Errorf("unexpected prompt: %q", prompts.String())
	}
}

func TestOutputOverwritePrompt(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		force   bool
		want    string
		skipped bool
	}{
		{"capital Y overwrites", "Y\n", false, "new", false},
		{"lowercase y declines", "y\n", false, "old", true},
		{"no answer declines", "", false, "old", true},
		{"force skips prompt", "", true, "new", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "a.txt")
			if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
				t.Fatal(err)
			}
			var prompts bytes.Buffer
			o := NewOutput(dir, tt.force, false, strings.NewReader(tt.answer), &prompts)

			_, err := o.Save(session.ReceivedFile{Name: "a.txt", Data: []byte("new")})
			if tt.skipped != errors.Is(err, errSkipped) {
				t.Fatalf("Save error = %v, skipped expected %v", err, tt.skipped)
			}
			data, _ := os.ReadFile(path)
			if string(data) != tt.want {
				t.Errorf("content = %q; expected %q", data, tt.want)
			}
			if prompted := strings.Contains(prompts.String(), "Overwrite?"); prompted == tt.force {
				t.Errorf("prompted = %v with force = %v", prompted, tt.force)
			}
		})
	}
}

func TestOutputExtractsArchives(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	if err := os.MkdirAll(filepath.Join(src, "day1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "day1", "a.jpg"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "photos.zip")
	if err := CreateZipFromDirectory(src, archive); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	o := NewOutput(dest, false, true, strings.NewReader(""), &bytes.Buffer{})
	path, err := o.Save(session.ReceivedFile{Name: "photos.zip", MIME: "application/zip", Data: data})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if path != filepath.Join(dest, "photos") {
		t.Errorf("extracted to %s", path)
	}
	got, err := os.ReadFile(filepath.Join(dest, "photos", "day1", "a.jpg"))
	if err != nil || string(got) != "jpeg" {
		t.Errorf("extracted content = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dest, "photos.zip")); !os.IsNotExist(err) {
		t.Error("archive itself should not be saved when extracting")
	}
}

func TestOutputExtractConfirmsOverwrites(t *testing.T) {
	src := filepath.Join(t.TempDir(), "photos")
	writeTree(t, src, map[string]string{"notes.txt": "clobbered", "new.jpg": "jpeg"})
	archive := filepath.Join(t.TempDir(), "photos.zip")
	if err := CreateZipFromDirectory(src, archive); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	writeTree(t, filepath.Join(dest, "photos"), map[string]string{"notes.txt": "mine"})
	var prompts bytes.Buffer
	o := NewOutput(dest, false, true, strings.NewReader("n\n"), &prompts)

	path, err := o.Save(session.ReceivedFile{Name: "photos.zip", MIME: "application/zip", Data: data})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if path != filepath.Join(dest, "photos") {
		t.Errorf("extracted to %s", path)
	}
	if !strings.Contains(prompts.String(), "notes.txt' already exists. Overwrite?") {
		t.Errorf("expected an overwrite prompt, got %q", prompts.String())
	}
	if got, _ := os.ReadFile(filepath.Join(dest, "photos", "notes.txt")); string(got) != "mine" {
		t.Errorf("declined file was replaced with %q", got)
	}
	if got, _ := os.ReadFile(filepath.Join(dest, "photos", "new.jpg")); string(got) != "jpeg" {
		t.Errorf("new file content = %q", got)
	}
}

func TestOutputExtractAllDeclined(t *testing.T) {
	src := filepath.Join(t.TempDir(), "docs")
	writeTree(t, src, map[string]string{"a.txt": "new"})
	archive := filepath.Join(t.TempDir(), "docs.zip")
	if err := CreateZipFromDirectory(src, archive); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	writeTree(t, filepath.Join(dest, "docs"), map[string]string{"a.txt": "old"})
	o := NewOutput(dest, false, true, strings.NewReader(""), &bytes.Buffer{})

	// A renamed duplicate still unpacks into the archive's own folder.
	_, err = o.Save(session.ReceivedFile{Name: "docs (1).zip", MIME: "application/zip", Data: data})
	if !errors.Is(err, errSkipped) {
		t.Fatalf("expected errSkipped, got %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(dest, "docs", "a.txt")); string(got) != "old" {
		t.Errorf("a.txt = %q", got)
	}
}
