package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseValidManifest(t *testing.T) {
	data := []byte(`{
		"version": "v3",
		"assets": ["/index.html", "/app.js"],
		"offlineFallback": "/offline.html"
	}`)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if m.Version != "v3" {
		t.Fatalf("expected version v3, got %q", m.Version)
	}
	if !reflect.DeepEqual(m.Assets, []string{"/index.html", "/app.js"}) {
		t.Fatalf("unexpected assets %v", m.Assets)
	}
	if m.OfflineFallback != "/offline.html" {
		t.Fatalf("unexpected fallback %q", m.OfflineFallback)
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{not json`},
		{name: "missing version", data: `{"assets": ["/a.js"], "offlineFallback": "/offline.html"}`},
		{name: "empty version", data: `{"version": "", "assets": ["/a.js"], "offlineFallback": "/offline.html"}`},
		{name: "empty assets", data: `{"version": "v1", "assets": [], "offlineFallback": "/offline.html"}`},
		{name: "missing fallback", data: `{"version": "v1", "assets": ["/a.js"]}`},
		{name: "unknown field", data: `{"version": "v1", "assets": ["/a.js"], "offlineFallback": "/offline.html", "extra": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	content := `{"version": "v1", "assets": ["/index.html"], "offlineFallback": "/offline.html"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.Version != "v1" {
		t.Fatalf("expected v1, got %q", m.Version)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestContains(t *testing.T) {
	m := Manifest{
		Version:         "v1",
		Assets:          []string{"/index.html", "/app.js"},
		OfflineFallback: "/offline.html",
	}
	for _, url := range []string{"/index.html", "/app.js", "/offline.html"} {
		if !m.Contains(url) {
			t.Fatalf("expected %s contained", url)
		}
	}
	if m.Contains("/other.js") {
		t.Fatal("expected /other.js not contained")
	}
}
