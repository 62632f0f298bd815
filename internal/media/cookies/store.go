// Package cookies serves per-platform cookie jars from a directory tree.
package cookies

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// Store looks up Netscape-format cookie files laid out as
// <dir>/<owner>/<platform>.txt with a shared <dir>/<platform>.txt fallback.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. An empty dir yields a store that
// never has credentials.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Credentials(_ context.Context, platform string, owner uuid.UUID) (*models.Credentials, error) {
	if s.dir == "" {
		return nil, nil
	}
	platform = strings.ToLower(platform)
	if platform == "" || strings.ContainsAny(platform, `/\.`) {
		return nil, fmt.Errorf("invalid platform %q", platform)
	}

	candidates := []string{filepath.Join(s.dir, platform+".txt")}
	if owner != uuid.Nil {
		candidates = append([]string{filepath.Join(s.dir, owner.String(), platform+".txt")}, candidates...)
	}
	for _, path := range candidates {
		fi, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat cookies file: %w", err)
		}
		if fi.IsDir() || fi.Size() == 0 {
			continue
		}
		return &models.Credentials{CookiesPath: path}, nil
	}
	return nil, nil
}

var _ models.CredentialStore = (*Store)(nil)
