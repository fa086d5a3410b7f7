/*Package arrival watches a folder for images written by the camera.

The camera (or its tethering software) drops files into a flat folder.  A
Watcher lists that folder on demand and reports the newest image whose
modification time is past a watermark the caller keeps.  Advancing the
watermark to the reported file's time guarantees a file is never reported
twice.
*/
package arrival

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExtensions is the image extension set, lowercase with the leading dot
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".tif", ".fits"}

// Image is a file found in the watched folder
type Image struct {
	// Name is the base name of the file
	Name string `json:"name"`

	// Dir is the folder the file is in
	Dir string `json:"dir"`

	// ModTime is the file's modification time
	ModTime time.Time `json:"modtime"`
}

// Path is the full path to the image
func (i Image) Path() string {
	return filepath.Join(i.Dir, i.Name)
}

// Watcher polls a folder for images.  The zero value matches DefaultExtensions
// and does not settle.
type Watcher struct {
	// Extensions overrides DefaultExtensions when not empty.  Matching is case insensitive.
	Extensions []string

	// Settle is slept before each poll so files still being written are not caught half-done
	Settle time.Duration
}

// NewWatcher returns a Watcher for the given extensions (with or without the
// leading dot) and settle delay
func NewWatcher(exts []string, settle time.Duration) *Watcher {
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &Watcher{Extensions: norm, Settle: settle}
}

// Match reports if name carries one of the watched extensions
func (w *Watcher) Match(name string) bool {
	exts := w.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// List returns every matching regular file directly under dir, in directory order
func (w *Watcher) List(dir string) ([]Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Image, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !w.Match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		out = append(out, Image{Name: e.Name(), Dir: dir, ModTime: info.ModTime()})
	}
	return out, nil
}

// PollNewest returns the matching file in dir with the latest modification time
// strictly after watermark.  ok is false if there is none.
func (w *Watcher) PollNewest(dir string, watermark time.Time) (img Image, ok bool, err error) {
	if w.Settle > 0 {
		time.Sleep(w.Settle)
	}
	imgs, err := w.List(dir)
	if err != nil {
		return Image{}, false, err
	}
	newest := watermark
	for _, i := range imgs {
		if i.ModTime.After(newest) {
			newest = i.ModTime
			img = i
			ok = true
		}
	}
	return img, ok, nil
}
