package credsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
)

var splitPattern = regexp.MustCompile(`[\s,]+`)

// FileSource scans a directory and extracts credential strings from every
// regular file in it, splitting on whitespace or commas. As a side effect it
// rewrites each file to one-credential-per-line if the normalized form
// differs from what's on disk — grounded on
// original_source/key_reader.py:read_and_format_api_keys. The core does not
// depend on that side effect; it only consumes the returned set.
type FileSource struct {
	Directory string
}

func NewFileSource(directory string) *FileSource {
	return &FileSource{Directory: directory}
}

func (f *FileSource) ListCredentials(ctx context.Context) (map[string]struct{}, error) {
	entries, err := os.ReadDir(f.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("read keys directory %s: %w", f.Directory, err)
	}

	result := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(f.Directory, entry.Name())
		if err := f.readFile(path, result); err != nil {
			log.WithError(err).WithField("file", path).Warn("failed to read credential file, skipping")
		}
	}
	return result, nil
}

func (f *FileSource) readFile(path string, into map[string]struct{}) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	parts := splitPattern.Split(string(content), -1)
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			cleaned = append(cleaned, p)
			into[p] = struct{}{}
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	normalized := ""
	for i, c := range cleaned {
		if i > 0 {
			normalized += "\n"
		}
		normalized += c
	}
	if normalized != string(content) {
		if err := os.WriteFile(path, []byte(normalized), 0o600); err != nil {
			return fmt.Errorf("rewrite %s: %w", path, err)
		}
	}
	return nil
}

var _ Source = (*FileSource)(nil)
