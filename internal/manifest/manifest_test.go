package manifest

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{name: "string version", content: `{"v": "201912", "id": "Countries"}`, want: "201912"},
		{name: "numeric version", content: `{"id": "Countries", "v": 191124, "g": []}`, want: "191124"},
		{name: "padded string", content: `{"v": "  42 "}`, want: "42"},
		{name: "missing field", content: `{"id": "Countries"}`, wantErr: ErrNoVersion},
		{name: "null field", content: `{"v": null}`, wantErr: ErrNoVersion},
		{name: "empty string", content: `{"v": ""}`, wantErr: ErrNoVersion},
		{name: "object field", content: `{"v": {"major": 1}}`, wantErr: ErrNoVersion},
		{name: "boolean field", content: `{"v": true}`, wantErr: ErrNoVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/omim/data/countries.txt", []byte(tt.content), 0644))

			m, err := Read(fs, "/omim/data/countries.txt")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Version)
		})
	}
}

func TestRead_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := Read(fs, "/missing/countries.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read manifest")

	require.NoError(t, afero.WriteFile(fs, "/bad/countries.txt", []byte("not json"), 0644))
	_, err = Read(fs, "/bad/countries.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")
}

func TestFindRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := filepath.FromSlash("/src/omim")
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "data", FileName), []byte(`{"v":1}`), 0644))
	require.NoError(t, fs.MkdirAll(filepath.Join(root, "tools", "python"), 0755))

	t.Run("from nested directory", func(t *testing.T) {
		got, err := FindRoot(fs, filepath.Join(root, "tools", "python"))
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("from root itself", func(t *testing.T) {
		got, err := FindRoot(fs, root)
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := FindRoot(fs, filepath.FromSlash("/elsewhere/deep"))
		assert.ErrorIs(t, err, ErrRootNotFound)
	})
}
