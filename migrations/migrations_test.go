package migrations

import (
	"io/fs"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"001_ledger.up.sql", 1, false},
		{"012_x.up.sql", 12, false},
		{"ledger.up.sql", 0, true},
		{"abc_ledger.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := VersionFromFile(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEmbeddedFilesHaveUniqueVersions(t *testing.T) {
	files, err := fs.Glob(FS, "*.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 embedded migrations, got %v", files)
	}
	seen := map[int64]string{}
	for _, f := range files {
		v, err := VersionFromFile(f)
		if err != nil {
			t.Fatalf("%s: %v", f, err)
		}
		if prev, ok := seen[v]; ok {
			t.Errorf("version %d used by %s and %s", v, prev, f)
		}
		seen[v] = f
	}
}
