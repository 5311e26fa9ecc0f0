package gridsim

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeSeed(t, `
nodes:
  - id: node-1
    value: 230
  - id: "  node-2  "
    value: 500
`)

	nodes, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("LoadSeed returned %d nodes, want 2", len(nodes))
	}
	if nodes[1].ID != "node-2" {
		t.Errorf("seed id not sanitized: %q", nodes[1].ID)
	}

	// Out-of-range seed values are accepted here; the store clamps them
	// on Seed.
	b := NewBackingStore()
	b.Seed(nodes)
	if n, _ := b.Get("node-2"); n.Value != 239 {
		t.Errorf("seeded value = %d, want 239", n.Value)
	}
}

func TestLoadSeed_InvalidID(t *testing.T) {
	path := writeSeed(t, `
nodes:
  - id: "../escape"
    value: 230
`)
	if _, err := LoadSeed(path); err == nil {
		t.Fatal("LoadSeed accepted a path-traversal id")
	}
}

func TestLoadSeed_BrokenYAML(t *testing.T) {
	path := writeSeed(t, "nodes: [unclosed")
	if _, err := LoadSeed(path); err == nil {
		t.Fatal("LoadSeed accepted broken YAML")
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadSeed accepted a missing file")
	}
}
