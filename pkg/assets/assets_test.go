package assets

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestListBackgrounds(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.png", "x")
	writeFile(t, dir, "a.jpg", "x")
	writeFile(t, dir, "notes.txt", "x")

	p := NewProvider(dir, "")
	files, err := p.ListBackgrounds()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, []string{"a.jpg", "b.png"}) {
		t.Fatalf("files=%v", files)
	}
}

func TestListBackgrounds_MissingDir(t *testing.T) {
	p := NewProvider(filepath.Join(t.TempDir(), "nope"), "")
	files, err := p.ListBackgrounds()
	if err != nil || len(files) != 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
}

func TestListAvatarConfigs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mate.yaml", "model_path: m.json")
	writeFile(t, dir, "other.yml", "model_path: o.json")
	writeFile(t, dir, "readme.md", "x")

	p := NewProvider("", dir)
	configs, err := p.ListAvatarConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(configs, []string{"mate.yaml", "other.yml"}) {
		t.Fatalf("configs=%v", configs)
	}
}

func TestSwitchAvatarConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mate.yaml", "model_path: models/mate.model3.json\nscale: 1.5\n")

	p := NewProvider("", dir)
	modelPath, conf, err := p.SwitchAvatarConfig("mate.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if modelPath != "models/mate.model3.json" {
		t.Fatalf("modelPath=%q", modelPath)
	}
	if conf["scale"] != 1.5 {
		t.Fatalf("conf=%v", conf)
	}
	if p.ActiveAvatarConfig() != "mate.yaml" {
		t.Fatalf("active=%q", p.ActiveAvatarConfig())
	}
}

func TestSwitchAvatarConfig_RejectsPathTraversal(t *testing.T) {
	p := NewProvider("", t.TempDir())
	if _, _, err := p.SwitchAvatarConfig("../secrets.yaml"); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if _, _, err := p.SwitchAvatarConfig(""); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestSwitchAvatarConfig_MissingFile(t *testing.T) {
	p := NewProvider("", t.TempDir())
	if _, _, err := p.SwitchAvatarConfig("ghost.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
