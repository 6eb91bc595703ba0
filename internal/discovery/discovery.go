// Package discovery finds task modules on disk.
package discovery

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Modules walks baseDir and returns a dotted identifier for every Go source
// file below it, relative to the working directory: tasks/email/send.go
// becomes tasks.email.send. doc.go and _test.go files are skipped, as is any
// file that cannot be expressed relative to the working directory. A missing
// baseDir yields no modules.
func Modules(baseDir string) ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return modulesFrom(cwd, baseDir)
}

func modulesFrom(cwd, baseDir string) ([]string, error) {
	root := baseDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(cwd, root)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var modules []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTaskFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(cwd, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
		modules = append(modules, strings.ReplaceAll(strings.TrimSuffix(rel, ".go"), string(filepath.Separator), "."))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}

func isTaskFile(name string) bool {
	return strings.HasSuffix(name, ".go") &&
		name != "doc.go" &&
		!strings.HasSuffix(name, "_test.go")
}
