package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadRegistryJSONLDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, RegistryJSONL, `{"id":"s1","engine":"builtin:flat","tags":"Carry|fx","desk":"macro"}
{"id":"s2","name":"Second","family":"momentum","engine":"builtin:target","control_mode":"auto","run_mode":"live","tags":["eq","US"]}
`)
	specs, err := ReadRegistry(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	first := specs[0]
	if first.Name != "s1" || first.Family != DefaultFamily || first.ControlMode != DefaultControlMode {
		t.Fatalf("defaults not applied: %#v", first)
	}
	if first.RunMode != "" {
		t.Fatalf("run mode should be left for the orchestrator, got %q", first.RunMode)
	}
	if len(first.Tags) != 2 || first.Tags[0] != "Carry" {
		t.Fatalf("unexpected tags: %#v", first.Tags)
	}
	if first.Extra["desk"] != "macro" {
		t.Fatalf("expected extra column, got %#v", first.Extra)
	}
	second := specs[1]
	if second.ControlMode != "AUTO" || second.RunMode != "LIVE" || second.Name != "Second" {
		t.Fatalf("unexpected second spec: %#v", second)
	}
	if !second.HasTag([]string{"us"}) {
		t.Fatalf("expected case-insensitive tag match")
	}
}

func TestReadRegistryPrefersJSONL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, RegistryJSONL, `{"id":"from-jsonl","engine":"builtin:flat"}`+"\n")
	writeFile(t, dir, RegistryCSV, "id,engine\nfrom-csv,builtin:flat\n")
	specs, err := ReadRegistry(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 1 || specs[0].ID != "from-jsonl" {
		t.Fatalf("expected jsonl registry, got %#v", specs)
	}
}

func TestReadRegistryCSV(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, RegistryCSV, "id,name,family,engine,yaml,control_mode,tags,owner\n"+
		"a,Alpha,carry,builtin:target,alpha.yaml,MANUAL,fx|g10,ops\n"+
		",missing,carry,builtin:flat,,,,\n")
	specs, err := ReadRegistry(dir)
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected invalid row error, got %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 surviving spec, got %d", len(specs))
	}
	spec := specs[0]
	if spec.Config != "alpha.yaml" || spec.ControlMode != "MANUAL" || spec.Family != "carry" {
		t.Fatalf("unexpected spec: %#v", spec)
	}
	if len(spec.Tags) != 2 || spec.Tags[1] != "g10" {
		t.Fatalf("unexpected tags: %#v", spec.Tags)
	}
	if spec.Extra["owner"] != "ops" {
		t.Fatalf("expected owner extra, got %#v", spec.Extra)
	}
}

func TestReadRegistryMissing(t *testing.T) {
	_, err := ReadRegistry(t.TempDir())
	if !errors.Is(err, ErrRegistryNotFound) {
		t.Fatalf("expected ErrRegistryNotFound, got %v", err)
	}
}

func TestReadRegistrySkipsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, RegistryJSONL, "{not json}\n# comment\n{\"id\":7,\"engine\":\"builtin:flat\"}\n")
	specs, err := ReadRegistry(dir)
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected invalid row error, got %v", err)
	}
	if len(specs) != 1 || specs[0].ID != "7" {
		t.Fatalf("expected numeric id to be stringified, got %#v", specs)
	}
}
