package distribution

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

const jsonDoc = `{
	"proxies": [
		{"id": "a", "listen_path": "/a", "backend_protocol": "http", "backend_host": "h",
		 "backend_port": 80, "backend_connect_timeout_ms": 100, "backend_read_timeout_ms": 100,
		 "backend_write_timeout_ms": 100, "auth_mode": "single"}
	],
	"consumers": [
		{"id": "c1", "username": "alice"}
	]
}`

const yamlDoc = `
proxies:
  - id: b
    listen_path: /b
    backend_protocol: http
    backend_host: h
    backend_port: 80
    backend_connect_timeout_ms: 100
    backend_read_timeout_ms: 100
    backend_write_timeout_ms: 100
    auth_mode: single
`

func TestParseJSONDocument(t *testing.T) {
	doc, err := parseJSONDocument([]byte(jsonDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Proxies) != 1 || doc.Proxies[0].ID != "a" {
		t.Fatalf("expected one proxy with id a, got %+v", doc.Proxies)
	}
	if len(doc.Consumers) != 1 || doc.Consumers[0].Username != "alice" {
		t.Fatalf("expected one consumer alice, got %+v", doc.Consumers)
	}
}

func TestParseYAMLDocument(t *testing.T) {
	doc, err := parseYAMLDocument([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Proxies) != 1 || doc.Proxies[0].ID != "b" {
		t.Fatalf("expected one proxy with id b, got %+v", doc.Proxies)
	}
	if doc.Proxies[0].BackendPort != 80 {
		t.Errorf("expected backend_port 80, got %d", doc.Proxies[0].BackendPort)
	}
}

func TestLoadFileDocument_MergesDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not config"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := loadFileDocument(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Proxies) != 2 {
		t.Fatalf("expected 2 merged proxies, got %d", len(doc.Proxies))
	}
}

func TestFileSource_ReloadAppliesValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	store := configstore.NewStore()
	fs := &FileSource{path: path, store: store}

	if err := fs.reload(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.GetSnapshot()
	if len(snap.Proxies) != 1 {
		t.Fatalf("expected 1 proxy, got %d", len(snap.Proxies))
	}
	if snap.Version != 1 {
		t.Errorf("expected version 1, got %d", snap.Version)
	}
}

func TestFileSource_ReloadKeepsVersionOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	store := configstore.NewStore()
	fs := &FileSource{path: path, store: store}
	if err := fs.reload(); err != nil {
		t.Fatalf("unexpected error on first reload: %v", err)
	}

	conflicting := `{"proxies": [
		{"id": "x", "listen_path": "/a", "backend_protocol": "http", "backend_host": "h",
		 "backend_port": 80, "backend_connect_timeout_ms": 100, "backend_read_timeout_ms": 100,
		 "backend_write_timeout_ms": 100, "auth_mode": "single"},
		{"id": "y", "listen_path": "/a", "backend_protocol": "http", "backend_host": "h",
		 "backend_port": 80, "backend_connect_timeout_ms": 100, "backend_read_timeout_ms": 100,
		 "backend_write_timeout_ms": 100, "auth_mode": "single"}
	]}`
	if err := os.WriteFile(path, []byte(conflicting), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fs.reload(); err == nil {
		t.Fatal("expected reload to fail on duplicate listen_path")
	}

	snap := store.GetSnapshot()
	if snap.Version != 1 {
		t.Errorf("expected version to remain 1 after rejected reload, got %d", snap.Version)
	}
	if fs.version != 1 {
		t.Errorf("expected FileSource.version to roll back to 1, got %d", fs.version)
	}

	if err := os.WriteFile(path, []byte(jsonDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.reload(); err != nil {
		t.Fatalf("expected next reload to succeed after rollback: %v", err)
	}
	if v := store.GetSnapshot().Version; v != 2 {
		t.Errorf("expected version 2 after a successful reload following rollback, got %d", v)
	}
}
