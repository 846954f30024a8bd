package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDir_ParsesByExtension(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":    "name: alpha\nmodel: m\ntokenizer: byte\naddress: http://a\nthreads_capacity: 2\ntoken_ids: true\n",
		"b.json":    `{"model":"m","address":"http://b","threads_capacity":1}`,
		"c.toml":    "name = \"gamma\"\nmodel = \"n\"\nthreads_capacity = 4\nrequests_upperbound = 8\n",
		"notes.txt": "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfgs) != 3 {
		t.Fatalf("expected 3 engines, got %d", len(cfgs))
	}
	if cfgs[0].Name != "alpha" || !cfgs[0].TokenIDs || cfgs[0].ThreadsCapacity != 2 {
		t.Fatalf("unexpected yaml engine: %+v", cfgs[0])
	}
	// name falls back to the file stem
	if cfgs[1].Name != "b" || cfgs[1].Address != "http://b" {
		t.Fatalf("unexpected json engine: %+v", cfgs[1])
	}
	if cfgs[2].Name != "gamma" || cfgs[2].RequestsUpperbound != 8 {
		t.Fatalf("unexpected toml engine: %+v", cfgs[2])
	}
}

func TestLoadDir_Errors(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}
