package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	lattice := filepath.Join(root, "lattice")
	elsewhere := filepath.Join(root, "elsewhere")
	require.NoError(t, os.MkdirAll(lattice, 0755))
	require.NoError(t, os.MkdirAll(elsewhere, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lattice, "ring.madx"), []byte("! ring"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(elsewhere, "secret.madx"), []byte("! other"), 0644))
	require.NoError(t, os.Symlink(elsewhere, filepath.Join(lattice, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing file", filepath.Join(lattice, "ring.madx"), false},
		{"new file", filepath.Join(lattice, "optics.madx"), false},
		{"new nested file", filepath.Join(lattice, "sub", "dir", "optics.madx"), false},
		{"directory itself", lattice, false},
		{"dot dot escape", filepath.Join(lattice, "..", "elsewhere", "secret.madx"), true},
		{"sibling", filepath.Join(elsewhere, "secret.madx"), true},
		{"symlinked file", filepath.Join(lattice, "link", "secret.madx"), true},
		{"new file under symlink", filepath.Join(lattice, "link", "new.madx"), true},
		{"root", "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, lattice)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("missing safe directory", func(t *testing.T) {
		assert.Error(t, ValidatePathWithinDirectory(filepath.Join(root, "x"), filepath.Join(root, "missing")))
	})
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "scans.db"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "scans.db"), []string{a}))
	assert.Error(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "scans.db"), nil))
}

func TestValidateOutputPath(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	assert.NoError(t, ValidateOutputPath(filepath.Join(t.TempDir(), "results")))
	assert.NoError(t, ValidateOutputPath(filepath.Join(cwd, "results", "scans.db")))
	assert.NoError(t, ValidateOutputPath("results"))
	assert.Error(t, ValidateOutputPath("/etc/results"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"scan_k1_bqf1.csv", "scan_k1_bqf1.csv"},
		{"grid k1_qd1 x k1_qf1.png", "grid_k1_qd1_x_k1_qf1.png"},
		{"../../etc/passwd", "etc_passwd"},
		{"optics_Achromat (match).png", "optics_Achromat_match_.png"},
		{"...", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("a", 300)), 128)
}
