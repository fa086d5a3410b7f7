/*Package rig is the application layer of the capture station.  It owns the
current image folder (its session log, capture engine, and tick runner), the
light geometry, and the device, and exposes each thing an operator can do
exactly once, for the command line and the HTTP server alike.
*/
package rig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/backfill"
	"github.com/paleobytes/ptmrig/capture"
	"github.com/paleobytes/ptmrig/config"
	"github.com/paleobytes/ptmrig/fitter"
	"github.com/paleobytes/ptmrig/lightdome"
	"github.com/paleobytes/ptmrig/lightpos"
	"github.com/paleobytes/ptmrig/session"
)

var (
	// ErrNotDirectory is generated when the image folder is not a directory
	ErrNotDirectory = errors.New("rig: not a directory")

	// ErrNothingPending is generated when a resume or retake has nothing to capture
	ErrNothingPending = errors.New("rig: every light already has a record")
)

// Rig is a capture station
type Rig struct {
	mu      sync.Mutex
	cfg     config.Config
	geom    *lightpos.Geometry
	watcher *arrival.Watcher
	fit     fitter.Fitter
	metrics *capture.Metrics

	// Mock is the stand-in controller when the configuration asks for one
	Mock *lightdome.MockDome

	// Report, if not nil, receives every capture event.  Set it before the
	// first session.
	Report func(capture.Event)

	log    *session.Log
	engine *capture.Engine
	runner *capture.Runner

	// dir mirrors log.Dir() for the mock shutter, which runs inside a tick
	dir atomic.Value
}

// New validates cfg and builds a rig on cfg.Directory.  Metrics are
// registered with reg if it is not nil.
func New(cfg config.Config, reg prometheus.Registerer) (*Rig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	geom, err := cfg.Geometry.Build(cfg.Capture.LightCount)
	if err != nil {
		return nil, err
	}
	r := &Rig{
		cfg:     cfg,
		geom:    geom,
		watcher: arrival.NewWatcher(cfg.Capture.Extensions, cfg.Capture.PollSettle()),
		fit:     fitter.Fitter{Path: cfg.Fitter.Path, Args: cfg.Fitter.Args},
		metrics: capture.NewMetrics(reg),
	}
	if cfg.Mock {
		r.Mock = lightdome.NewMockDome()
		r.Mock.OnShoot = r.mockShutter
	}
	if _, err := r.SetDirectory(cfg.Directory); err != nil {
		return nil, err
	}
	return r, nil
}

// Config returns the configuration the rig was built with
func (r *Rig) Config() config.Config {
	return r.cfg
}

// Geometry returns the light geometry
func (r *Rig) Geometry() *lightpos.Geometry {
	return r.geom
}

// LightCount is N
func (r *Rig) LightCount() int {
	return r.cfg.Capture.LightCount
}

func (r *Rig) params() capture.Params {
	c := r.cfg.Capture
	return capture.Params{
		LightCount:       c.LightCount,
		AutoRetryMaximum: c.AutoRetryMaximum,
		PreparationTicks: c.PreparationTicks,
		PollingTimeout:   c.PollingTimeoutTicks,
	}
}

// link returns the controller; a fresh Dome each time, or the shared mock
func (r *Rig) link() lightdome.Link {
	if r.Mock != nil {
		return r.Mock
	}
	d := r.cfg.Device
	return lightdome.NewDome(d.Addr, d.Serial, lightdome.Options{
		Baud:            d.Baud,
		Settle:          d.Settle(),
		CommandInterval: d.CommandInterval(),
	})
}

func (r *Rig) openDevice() (capture.Device, error) {
	l := r.link()
	if err := l.Open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (r *Rig) report(ev capture.Event) {
	if r.Report != nil {
		r.Report(ev)
	}
}

// mockShutter stands in for the camera when the controller is mocked: it
// drops a placeholder image into the folder, stamped just after now
func (r *Rig) mockShutter(index int) {
	dir, _ := r.dir.Load().(string)
	name := fmt.Sprintf("MOCK_%02d_%d.jpg", index+1, time.Now().UnixNano())
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		log.Printf("rig: mock shutter: %v\n", err)
		return
	}
	t := time.Now().Add(10 * time.Millisecond)
	if err := os.Chtimes(p, t, t); err != nil {
		log.Printf("rig: mock shutter: %v\n", err)
	}
}

// current returns the engine runner and log of the current folder
func (r *Rig) current() (*capture.Runner, *session.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runner, r.log
}

// Dir is the current image folder
func (r *Rig) Dir() string {
	_, l := r.current()
	return l.Dir()
}

// Log is the session log of the current folder
func (r *Rig) Log() *session.Log {
	_, l := r.current()
	return l
}

// Active reports if a session is running
func (r *Rig) Active() bool {
	run, _ := r.current()
	return run.State().Active
}

func (r *Rig) idle() error {
	if r.Active() {
		return capture.ErrSessionActive
	}
	return nil
}

// SetDirectory switches to dir and loads its session log, if any.  It is
// refused while a session is running.  Lines of the log that could not be
// read are returned as warnings.
func (r *Rig) SetDirectory(dir string) ([]error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runner != nil && r.runner.State().Active {
		return nil, capture.ErrSessionActive
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	l, warnings, err := session.LoadNamed(abs, r.cfg.SessionFile)
	if err != nil {
		return warnings, err
	}
	eng := capture.NewEngine(r.params(), r.openDevice, r.watcher, l)
	eng.Metrics = r.metrics
	eng.Report = r.report
	r.log = l
	r.dir.Store(abs)
	r.engine = eng
	r.runner = capture.NewRunner(eng, r.cfg.Capture.Tick())
	log.Printf("rig: folder %s, %d records\n", abs, l.Len())
	return warnings, nil
}

func (r *Rig) start(queue []int) error {
	run, _ := r.current()
	return run.Start(queue)
}

// StartAll captures every light
func (r *Rig) StartAll() error {
	return r.start(capture.FullQueue(r.LightCount()))
}

// Resume captures the lights that have no record yet
func (r *Rig) Resume() error {
	q := r.Log().Pending(r.LightCount())
	if len(q) == 0 {
		return ErrNothingPending
	}
	return r.start(q)
}

// Retake captures the selected lights again, in ascending order, replacing
// their records
func (r *Rig) Retake(indices []int) error {
	if err := capture.CheckQueue(indices, r.LightCount()); err != nil {
		return err
	}
	q := capture.RetakeQueue(indices)
	if len(q) == 0 {
		return capture.ErrEmptyQueue
	}
	return r.start(q)
}

// RetakeMissing retakes every light of the dome recorded as missing.
// Records beyond the light count are left alone.
func (r *Rig) RetakeMissing() error {
	n := r.LightCount()
	var q []int
	for _, i := range r.Log().Missing() {
		if i < n {
			q = append(q, i)
		}
	}
	if len(q) == 0 {
		return ErrNothingPending
	}
	return r.Retake(q)
}

// Pause freezes the running session
func (r *Rig) Pause() error {
	run, _ := r.current()
	return run.Pause()
}

// Continue resumes a paused session
func (r *Rig) Continue() error {
	run, _ := r.current()
	return run.Continue()
}

// Stop ends the running session, if any
func (r *Rig) Stop() {
	run, _ := r.current()
	run.Stop()
}

// Wait blocks until the running session ends or ctx is done
func (r *Rig) Wait(ctx context.Context) error {
	run, _ := r.current()
	return run.Wait(ctx)
}

// State is a snapshot of the rig
type State struct {
	capture.State
	Paused     bool `json:"paused"`
	LightCount int  `json:"lightCount"`
	Recorded   int  `json:"recorded"`
}

// State returns a snapshot of the rig
func (r *Rig) State() State {
	run, l := r.current()
	return State{
		State:      run.State(),
		Paused:     run.Paused(),
		LightCount: r.LightCount(),
		Recorded:   l.Len(),
	}
}

// Slots returns one row per light
func (r *Rig) Slots() []session.Slot {
	return r.Log().Slots(r.LightCount())
}

// SetIncluded selects or deselects a light's image for the manifest
func (r *Rig) SetIncluded(index int, included bool) error {
	if err := r.idle(); err != nil {
		return err
	}
	return r.Log().SetIncluded(index, included)
}

// Clear drops every record of the current folder
func (r *Rig) Clear() error {
	if err := r.idle(); err != nil {
		return err
	}
	return r.Log().Clear()
}

// Import reconstructs the session log of a folder shot without one
func (r *Rig) Import() (backfill.Result, error) {
	if err := r.idle(); err != nil {
		return backfill.Result{}, err
	}
	return backfill.Import(r.Log(), r.watcher, r.LightCount())
}

// FitResult describes a fitter run
type FitResult struct {
	Manifest string `json:"manifest"`
	Output   string `json:"output"`
	Count    int    `json:"count"`
	Log      string `json:"log"`
}

// Fit writes the manifest of the current folder and runs the fitter on it.
// An empty output means <folder>/<folder name>.ptm.
func (r *Rig) Fit(ctx context.Context, output string) (FitResult, error) {
	l := r.Log()
	m, err := fitter.Build(l.Records(), r.geom, fitter.Options{LowercaseExt: r.cfg.Fitter.LowercaseExtensions})
	if err != nil {
		return FitResult{}, err
	}
	res := FitResult{Count: m.Len()}
	res.Manifest, err = fitter.WriteManifest(l.Dir(), m)
	if err != nil {
		return res, err
	}
	if output == "" {
		output, err = fitter.OutputPath(l.Dir())
		if err != nil {
			return res, err
		}
	}
	res.Output = output
	log.Printf("rig: fitting %d images, %s -> %s\n", res.Count, res.Manifest, output)
	out, err := r.fit.Run(ctx, res.Manifest, output)
	res.Log = string(out)
	return res, err
}

// Position is a light's calibration entry and direction
type Position struct {
	Index int     `json:"index"`
	Theta float64 `json:"theta"`
	Phi   float64 `json:"phi"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// Positions lists every light
func (r *Rig) Positions() []Position {
	out := make([]Position, r.geom.Len())
	for i := range out {
		p, d := r.geom.Polar(i), r.geom.Direction(i)
		out[i] = Position{Index: i, Theta: p.Theta, Phi: p.Phi, X: d.X, Y: d.Y, Z: d.Z}
	}
	return out
}
