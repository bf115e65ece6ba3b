package hub

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CollectFiles reads every regular file under dir into upload entries. Paths
// are relative to dir, slash-separated, and prefixed with destPrefix when it
// is non-empty.
func CollectFiles(dir, destPrefix string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dest := filepath.ToSlash(rel)
		if destPrefix != "" {
			dest = destPrefix + "/" + dest
		}
		files = append(files, File{Path: dest, Content: content})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "collecting files under %q", dir)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no files found under %q", dir)
	}
	return files, nil
}
