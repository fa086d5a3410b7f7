/*Package fitter builds the light position manifest for a folder and hands it
to the external PTM fitter.

The manifest is plain text.  The first line is the number of images, each
following line is an absolute image path and the x, y, z components of the
direction to the light that lit it:

	48
	/data/scarab/IMG_0001.jpg 0.1234 -0.5678 0.8137
	...

Only records that are included and not missing make it into the manifest.
*/
package fitter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/paleobytes/ptmrig/lightpos"
	"github.com/paleobytes/ptmrig/session"
)

const (
	// ManifestExt is the extension of the manifest file
	ManifestExt = ".lp"

	// OutputExt is the extension of the fitter's output
	OutputExt = ".ptm"
)

var (
	// ErrFitterInvocationFailed is generated when the fitter exits nonzero or cannot be launched
	ErrFitterInvocationFailed = errors.New("fitter: invocation failed")

	// ErrEmptyManifest is generated when no record is eligible for the manifest
	ErrEmptyManifest = errors.New("fitter: no included images")

	// ErrUnknownLight is generated when a record refers to a light the geometry does not have
	ErrUnknownLight = errors.New("fitter: record index outside the light table")
)

// Entry is one line of the manifest
type Entry struct {
	Index     int
	Path      string
	Direction r3.Vector
}

// Manifest is the fitter's input
type Manifest struct {
	Entries []Entry
}

// Options tune how a Manifest is built
type Options struct {
	// LowercaseExt lowercases the image file extensions written to the manifest
	LowercaseExt bool
}

// Build makes a manifest from the included, non-missing records, in record
// order.  Image paths are made absolute.
func Build(recs []session.Record, g *lightpos.Geometry, opts Options) (Manifest, error) {
	var m Manifest
	for _, r := range recs {
		if !r.Included || r.IsMissing() {
			continue
		}
		if r.Index < 0 || r.Index >= g.Len() {
			return Manifest{}, fmt.Errorf("%w: %d, %d lights", ErrUnknownLight, r.Index, g.Len())
		}
		name := r.Filename
		if opts.LowercaseExt {
			ext := filepath.Ext(name)
			name = strings.TrimSuffix(name, ext) + strings.ToLower(ext)
		}
		p, err := filepath.Abs(filepath.Join(r.Dir, name))
		if err != nil {
			return Manifest{}, err
		}
		m.Entries = append(m.Entries, Entry{Index: r.Index, Path: p, Direction: g.Direction(r.Index)})
	}
	if len(m.Entries) == 0 {
		return Manifest{}, ErrEmptyManifest
	}
	return m, nil
}

// Len is the image count written on the first line
func (m Manifest) Len() int {
	return len(m.Entries)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// WriteTo writes the manifest in the fitter's format
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	bw := bufio.NewWriter(cw)
	bw.WriteString(strconv.Itoa(m.Len()))
	bw.WriteByte('\n')
	for _, e := range m.Entries {
		bw.WriteString(strings.Join([]string{
			e.Path,
			formatFloat(e.Direction.X),
			formatFloat(e.Direction.Y),
			formatFloat(e.Direction.Z),
		}, " "))
		bw.WriteByte('\n')
	}
	err := bw.Flush()
	return cw.n, err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ManifestPath is <dir>/<name of dir>.lp
func ManifestPath(dir string) (string, error) {
	return sibling(dir, ManifestExt)
}

// OutputPath is <dir>/<name of dir>.ptm, the default fitter output
func OutputPath(dir string) (string, error) {
	return sibling(dir, OutputExt)
}

func sibling(dir, ext string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, filepath.Base(abs)+ext), nil
}

// WriteManifest writes m beside the images in dir and returns its path
func WriteManifest(dir string, m Manifest) (string, error) {
	p, err := ManifestPath(dir)
	if err != nil {
		return "", err
	}
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	_, err = m.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing manifest %s: %w", p, err)
	}
	return p, nil
}

// InvocationError describes a failed fitter run.  It matches
// ErrFitterInvocationFailed with errors.Is.
type InvocationError struct {
	// Command is the attempted command line
	Command string

	// Output is the combined stdout and stderr of the fitter, if it ran
	Output []byte

	Err error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("%v: %s: %v", ErrFitterInvocationFailed, e.Command, e.Err)
	if out := strings.TrimSpace(string(e.Output)); out != "" {
		msg += " (output: " + out + ")"
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Is reports target == ErrFitterInvocationFailed
func (e *InvocationError) Is(target error) bool {
	return target == ErrFitterInvocationFailed
}

// Fitter is the external fitting program
type Fitter struct {
	// Path is the executable, looked up in PATH if it has no separator
	Path string

	// Args go before -i and -o
	Args []string
}

// Command returns the command line that Run would execute
func (f Fitter) Command(manifest, output string) []string {
	argv := append([]string{f.Path}, f.Args...)
	return append(argv, "-i", manifest, "-o", output)
}

// Run executes the fitter and waits for it.  The fitter's diagnostics are
// not interpreted; a nonzero exit is a failure.
func (f Fitter) Run(ctx context.Context, manifest, output string) ([]byte, error) {
	argv := f.Command(manifest, output)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &InvocationError{Command: strings.Join(argv, " "), Output: out, Err: err}
	}
	return out, nil
}
