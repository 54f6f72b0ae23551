package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinDir(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(safe, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file", filepath.Join(safe, "a.csv"), false},
		{"nested missing", filepath.Join(safe, "s1", "deep", "a.csv"), false},
		{"dir itself", safe, false},
		{"dot dot", filepath.Join(safe, "..", "a.csv"), true},
		{"sibling", filepath.Join(outside, "a.csv"), true},
		{"through symlink", filepath.Join(safe, "link", "a.csv"), true},
		{"through symlink missing", filepath.Join(safe, "link", "x", "a.csv"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := WithinDir(tt.path, safe)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, WithinDir(filepath.Join(tmp, "x"), filepath.Join(tmp, "missing")))
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"", "unknown"},
		{"fish-12_a.b", "fish-12_a.b"},
		{"../../etc/passwd", "etc_passwd"},
		{"a  b//c", "a_b_c"},
		{"...", "unknown"},
		{"larva\x00\n7", "larva_7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "SanitizeName(%q)", tt.in)
	}
	assert.Len(t, SanitizeName(strings.Repeat("x", 500)), maxNameLen)
}

func TestSessionPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	p, err := SessionPath(root, "0b7c1e2a-4f", "calibration.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "0b7c1e2a-4f", "calibration.png"), p)

	for _, id := range []string{"", "..", "a/b", "../x", "x y"} {
		_, err := SessionPath(root, id)
		assert.ErrorIs(t, err, ErrUnsafeName, "id %q", id)
	}
	_, err = SessionPath(root, "ok", "..", "..", "x")
	assert.Error(t, err)
}
