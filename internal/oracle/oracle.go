// Package oracle decides which remote URL a sync run targets.
package oracle

import (
	"fmt"
	"strings"

	"github.com/schaermu/mwmsync/internal/config"
	"github.com/schaermu/mwmsync/internal/manifest"
	"github.com/spf13/afero"
)

// ManifestError reports that the manifest could not supply a version
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// Oracle resolves the sync target URL
type Oracle struct {
	fs       afero.Fs
	template string
}

// New creates an oracle composing URLs from template, which must contain config.VersionPlaceholder
func New(fs afero.Fs, template string) *Oracle {
	return &Oracle{fs: fs, template: template}
}

// Resolve returns explicitURL unchanged when it is non-empty. Otherwise it reads the
// version from the manifest at manifestPath and substitutes it into the template.
func (o *Oracle) Resolve(explicitURL, manifestPath string) (string, error) {
	if explicitURL != "" {
		return explicitURL, nil
	}

	m, err := manifest.Read(o.fs, manifestPath)
	if err != nil {
		return "", &ManifestError{Path: manifestPath, Err: err}
	}

	return o.URLForVersion(m.Version), nil
}

// URLForVersion composes the distribution URL for a version token
func (o *Oracle) URLForVersion(version string) string {
	return strings.ReplaceAll(o.template, config.VersionPlaceholder, version)
}
