// Package static embeds the client assets shipped with every site: the base
// stylesheet and the live reload script.
package static

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

//go:embed css/*.css js/*.js
var assets embed.FS

// LiveReloadScript is the embedded path of the live reload client.
const LiveReloadScript = "js/livereload.js"

// FS exposes the embedded assets.
func FS() fs.FS {
	return assets
}

// Has reports whether name exists in the embedded assets.
func Has(name string) bool {
	f, err := assets.Open(strings.TrimPrefix(name, "/"))
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Read returns the contents of an embedded asset.
func Read(name string) ([]byte, error) {
	return fs.ReadFile(assets, strings.TrimPrefix(name, "/"))
}

// Writer is the subset of a file store CopyAll needs.
type Writer interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// CopyAll writes every embedded asset below dest, preserving relative paths,
// and returns the number of files written. Files already holding identical
// contents are left alone.
func CopyAll(w Writer, dest string) (int, error) {
	copied := 0
	err := fs.WalkDir(assets, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		data, err := fs.ReadFile(assets, name)
		if err != nil {
			return err
		}
		if existing, err := w.Read(target); err == nil && bytes.Equal(existing, data) {
			return nil
		}
		if err := w.Write(target, data); err != nil {
			return fmt.Errorf("copy embedded %s: %w", name, err)
		}
		copied++
		return nil
	})
	return copied, err
}
