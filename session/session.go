/*Package session keeps the per-folder record of which light produced which
image.

The log lives beside the images as a headerless comma separated file, one
record per line.  Two generations of the file exist: the legacy form has three
fields (index, directory, filename), the current form adds a fourth
(included, "True" or "False").  Both are read; only the current form is
written.  When a file holds more than one line for an index, the last one wins,
which is what makes appending retakes during a session safe.
*/
package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultFilename is the name of the session log within the image folder
const DefaultFilename = "image_data.csv"

var (
	// ErrUnknownIndex is generated when a record that does not exist is edited
	ErrUnknownIndex = errors.New("session: no record for index")
)

// Log is the ordered index -> Record mapping for one folder.
// It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	dir     string
	name    string
	records map[int]Record
}

// New returns an empty log for dir using DefaultFilename.  Nothing is read or written.
func New(dir string) *Log {
	return NewNamed(dir, DefaultFilename)
}

// NewNamed is New with a custom file name
func NewNamed(dir, name string) *Log {
	if name == "" {
		name = DefaultFilename
	}
	return &Log{dir: dir, name: name, records: map[int]Record{}}
}

// Load reads the log of dir with DefaultFilename.  See LoadNamed.
func Load(dir string) (*Log, []error, error) {
	return LoadNamed(dir, DefaultFilename)
}

// LoadNamed reads the log file name in dir.  A missing file yields an empty
// log.  Skipped lines are returned as warnings and logged.
func LoadNamed(dir, name string) (*Log, []error, error) {
	l := NewNamed(dir, name)
	f, err := os.Open(l.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()
	recs, warnings, err := Read(f)
	if err != nil {
		return nil, warnings, fmt.Errorf("reading %s: %w", l.Path(), err)
	}
	for _, w := range warnings {
		log.Printf("session: %s: %v\n", l.Path(), w)
	}
	for _, r := range recs {
		l.records[r.Index] = r
	}
	return l, warnings, nil
}

// Dir is the folder the log belongs to
func (l *Log) Dir() string {
	return l.dir
}

// Path is the full path of the log file
func (l *Log) Path() string {
	return filepath.Join(l.dir, l.name)
}

// Exists reports if the log file is on disk
func (l *Log) Exists() bool {
	_, err := os.Stat(l.Path())
	return err == nil
}

// Len is the number of records
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Get returns the record for index
func (l *Log) Get(index int) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[index]
	return r, ok
}

// Put inserts r, replacing any record with the same index.  Memory only.
func (l *Log) Put(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[r.Index] = r
}

// Records returns every record in index order
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sorted()
}

func (l *Log) sorted() []Record {
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Slot is one row of the n-light view of a log
type Slot struct {
	Record

	// Recorded is false for lights never attempted
	Recorded bool `json:"recorded"`
}

// Slots returns exactly n rows, one per light, with unattempted lights filled
// by a Missing, not included placeholder
func (l *Log) Slots(n int) []Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Slot, n)
	for i := 0; i < n; i++ {
		r, ok := l.records[i]
		if !ok {
			r = Failed(i)
		}
		out[i] = Slot{Record: r, Recorded: ok}
	}
	return out
}

// Pending returns, ascending, the indices in [0, n) with no record at all
func (l *Log) Pending(n int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for i := 0; i < n; i++ {
		if _, ok := l.records[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Missing returns, ascending, the indices whose record holds no image
func (l *Log) Missing() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, r := range l.sorted() {
		if r.IsMissing() {
			out = append(out, r.Index)
		}
	}
	return out
}

// Complete reports if indices 0..n-1 are all recorded
func (l *Log) Complete(n int) bool {
	return len(l.Pending(n)) == 0
}

// Append puts r and appends it to the file, creating the file if needed
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[r.Index] = r
	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	err = Write(f, []Record{r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Save rewrites the file with one 4-field line per record, in index order.
// The file is replaced atomically.
func (l *Log) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save()
}

func (l *Log) save() error {
	tmp, err := os.CreateTemp(l.dir, "."+l.name+".*")
	if err != nil {
		return err
	}
	err = Write(tmp, l.sorted())
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.Path())
}

// SetIncluded toggles the included flag of index and saves
func (l *Log) SetIncluded(index int, included bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[index]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownIndex, index)
	}
	r.Included = included
	l.records[index] = r
	return l.save()
}

// Clear drops every record and saves the (empty) log
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = map[int]Record{}
	return l.save()
}

// Seed replaces every record with recs and saves
func (l *Log) Seed(recs []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[int]Record, len(recs))
	for _, r := range recs {
		l.records[r.Index] = r
	}
	return l.save()
}
