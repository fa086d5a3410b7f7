/*Package backfill rebuilds a session log for a folder of images shot without
one, from the spacing of the files' capture times.

A sequence shot by the dome has a near constant time between frames.  The most
common gap between consecutive images is taken as that interval; a gap of
about k intervals means k-1 frames never made it to disk, and placeholders are
inserted for them so every image lands on the light that produced it.
*/
package backfill

import (
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/session"
)

var (
	// ErrImportMismatch is generated when the reconstructed light count differs from the dome's
	ErrImportMismatch = errors.New("backfill: reconstructed count does not match light count")

	// ErrNoImages is generated when the folder holds no images
	ErrNoImages = errors.New("backfill: no images found")

	// ErrLogExists is generated when the folder already has a session log
	ErrLogExists = errors.New("backfill: folder already has a session log")
)

// Shot is one image and the time it was taken
type Shot struct {
	Name    string
	Created time.Time
}

// Result is the outcome of a reconstruction
type Result struct {
	// Typical is the modal interval between shots, in whole seconds
	Typical int `json:"typical"`

	// Records are the reconstructed records, indices 0..len-1
	Records []session.Record `json:"records"`

	// Duplicates are files taken in the same second as their predecessor.
	// They are left on disk but get no record.
	Duplicates []string `json:"duplicates"`

	// Inserted is the number of placeholder records
	Inserted int `json:"inserted"`
}

// deltas returns the gaps between consecutive shots, rounded to whole seconds
func deltas(shots []Shot) []int {
	if len(shots) < 2 {
		return nil
	}
	out := make([]int, len(shots)-1)
	for i := 1; i < len(shots); i++ {
		d := shots[i].Created.Sub(shots[i-1].Created).Seconds()
		out[i-1] = int(math.Round(d))
	}
	return out
}

// Mode returns the most frequent non-zero value of ds.  Ties go to the value
// seen first.  Zero is returned if ds has no non-zero value.
func Mode(ds []int) int {
	counts := map[int]int{}
	max := 0
	for _, d := range ds {
		if d == 0 {
			continue
		}
		counts[d]++
		if counts[d] > max {
			max = counts[d]
		}
	}
	for _, d := range ds {
		if d != 0 && counts[d] == max {
			return d
		}
	}
	return 0
}

// Reconstruct assigns light indices to shots, which must be sorted by Created
func Reconstruct(dir string, shots []Shot) Result {
	res := Result{}
	if len(shots) == 0 {
		return res
	}
	ds := deltas(shots)
	res.Typical = Mode(ds)
	typ := float64(res.Typical)

	add := func(name string) {
		res.Records = append(res.Records, session.Record{
			Index: len(res.Records), Dir: dir, Filename: name, Included: true})
	}
	add(shots[0].Name)
	for i, d := range ds {
		name := shots[i+1].Name
		switch {
		case d <= 0:
			res.Duplicates = append(res.Duplicates, name)
			continue
		case float64(d) > 1.5*typ:
			missed := int(math.Round(float64(d)/typ)) - 1
			for k := 0; k < missed; k++ {
				res.Records = append(res.Records, session.Record{
					Index: len(res.Records), Dir: dir, Filename: session.Missing, Included: false})
			}
			res.Inserted += missed
		}
		add(name)
	}
	return res
}

// Scan lists the images w matches in dir, sorted by capture time, oldest
// first.  Equal times keep name order.
func Scan(dir string, w *arrival.Watcher) ([]Shot, error) {
	imgs, err := w.List(dir)
	if err != nil {
		return nil, err
	}
	shots := make([]Shot, 0, len(imgs))
	for _, img := range imgs {
		t, err := arrival.CaptureTime(filepath.Join(dir, img.Name))
		if err != nil {
			return nil, err
		}
		shots = append(shots, Shot{Name: img.Name, Created: t})
	}
	sort.SliceStable(shots, func(i, j int) bool {
		if shots[i].Created.Equal(shots[j].Created) {
			return shots[i].Name < shots[j].Name
		}
		return shots[i].Created.Before(shots[j].Created)
	})
	return shots, nil
}

// Import reconstructs the session of dir and seeds l with it.  l is not
// touched unless exactly n records were reconstructed.
func Import(l *session.Log, w *arrival.Watcher, n int) (Result, error) {
	if l.Exists() {
		return Result{}, fmt.Errorf("%w: %s", ErrLogExists, l.Path())
	}
	shots, err := Scan(l.Dir(), w)
	if err != nil {
		return Result{}, err
	}
	if len(shots) == 0 {
		return Result{}, fmt.Errorf("%w in %s", ErrNoImages, l.Dir())
	}
	res := Reconstruct(l.Dir(), shots)
	log.Printf("backfill: %s: %d images, typical interval %ds, %d inserted, %d duplicates\n",
		l.Dir(), len(shots), res.Typical, res.Inserted, len(res.Duplicates))
	if len(res.Records) != n {
		return res, fmt.Errorf("%w: reconstructed %d, dome has %d; reshoot or correct %s by hand",
			ErrImportMismatch, len(res.Records), n, l.Dir())
	}
	return res, l.Seed(res.Records)
}
