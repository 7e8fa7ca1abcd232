package oracle

import (
	"errors"
	"testing"

	"github.com/schaermu/mwmsync/internal/config"
	"github.com/schaermu/mwmsync/internal/manifest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestPath = "/omim/data/countries.txt"

func TestResolve_ExplicitURLWins(t *testing.T) {
	// No manifest exists: an explicit URL must not trigger a read.
	o := New(afero.NewMemMapFs(), config.DefaultURLTemplate)

	got, err := o.Resolve("http://explicit/", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "http://explicit/", got)
}

func TestResolve_ExplicitURLNotValidated(t *testing.T) {
	o := New(afero.NewMemMapFs(), config.DefaultURLTemplate)

	got, err := o.Resolve("not a url at all", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "not a url at all", got)
}

func TestResolve_FromManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, manifestPath, []byte(`{"v": "201912"}`), 0644))

	got, err := New(fs, config.DefaultURLTemplate).Resolve("", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "http://direct.mapswithme.com/direct/201912/", got)
}

func TestResolve_CustomTemplate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, manifestPath, []byte(`{"v": 12345}`), 0644))

	got, err := New(fs, "https://mirror.example.org/{version}/maps/").Resolve("", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.org/12345/maps/", got)
}

func TestResolve_ManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		is      error
	}{
		{name: "missing file"},
		{name: "malformed", content: ptr("{")},
		{name: "no version", content: ptr(`{"id": "Countries"}`), is: manifest.ErrNoVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.content != nil {
				require.NoError(t, afero.WriteFile(fs, manifestPath, []byte(*tt.content), 0644))
			}

			_, err := New(fs, config.DefaultURLTemplate).Resolve("", manifestPath)
			require.Error(t, err)

			var merr *ManifestError
			require.True(t, errors.As(err, &merr), "expected ManifestError, got %T", err)
			assert.Equal(t, manifestPath, merr.Path)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func ptr(s string) *string { return &s }
