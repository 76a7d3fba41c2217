package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"toolhost/internal/domain"
)

// FuzzScan_ManifestContent exercises manifest parsing with arbitrary
// content. The scanner must never panic and must never return a record
// with an empty id, name, or runtime.
func FuzzScan_ManifestContent(f *testing.F) {
	seeds := []string{
		`{"version":"1.0","name":"test","start":"./run"}`,
		`{"name":""}`,
		`{{{invalid json`,
		``,
		`null`,
		`[]`,
		`{"version":"1","name":"x","runtime":{"type":"webview","ui":{"entry":"a"}}}`,
		`{"version":"1","name":"x","runtime":{"type":"standalone","entry":"main.py"}}`,
		`{"version":"1","name":"x","runtime":{"type":"standalone"}}`,
		`{"version":"1","name":"x","protocol":"^9.0.0","start":"node a.js"}`,
		`{"version":"1","name":"x","id":"../../etc","start":"sh"}`,
		`{"version":"1","name":"<script>alert(1)</script>","start":"a"}`,
		`{"version":"1","name":"x","port":99999,"start":"a"}`,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		tmp := t.TempDir()
		pluginDir := filepath.Join(tmp, "fuzz-plugin")
		if err := os.MkdirAll(pluginDir, 0o755); err != nil {
			t.Skip("cannot create dir:", err)
		}
		if err := os.WriteFile(filepath.Join(pluginDir, domain.ManifestFile), []byte(content), 0o644); err != nil {
			t.Skip("cannot write file:", err)
		}

		recs, err := testScanner().Scan(tmp, domain.SourceInstalled)
		if err != nil {
			return
		}
		for _, r := range recs {
			if r.ID == "" || r.Manifest.Name == "" || r.Manifest.Runtime == nil {
				t.Errorf("incomplete record returned: %+v", r)
			}
		}
	})
}
