package capture

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/lightdome"
	"github.com/paleobytes/ptmrig/session"
)

var base = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

// clock is a manual clock advanced once per tick
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// camera stands in for the camera and its memory card: a shot lands a file
// half a second after the current time
type camera struct {
	mu      sync.Mutex
	clk     *clock
	dead    map[int]bool
	landed  []arrival.Image
	polls   int
	pollErr error
}

func (c *camera) shoot(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead[index] {
		return
	}
	c.landed = append(c.landed, arrival.Image{
		Name:    fmt.Sprintf("IMG_%02d_%d.jpg", index+1, len(c.landed)),
		ModTime: c.clk.Now().Add(500 * time.Millisecond),
	})
}

func (c *camera) PollNewest(dir string, watermark time.Time) (arrival.Image, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	var (
		best  arrival.Image
		found bool
	)
	for _, img := range c.landed {
		if img.ModTime.After(watermark) && (!found || img.ModTime.After(best.ModTime)) {
			best, found = img, true
		}
	}
	best.Dir = dir
	return best, found, c.pollErr
}

type rig struct {
	eng    *Engine
	dome   *lightdome.MockDome
	cam    *camera
	clk    *clock
	log    *session.Log
	events []Event
}

func newRig(t *testing.T, p Params, dead ...int) *rig {
	t.Helper()
	clk := &clock{t: base}
	cam := &camera{clk: clk, dead: map[int]bool{}}
	for _, d := range dead {
		cam.dead[d] = true
	}
	dome := lightdome.NewMockDome()
	dome.OnShoot = cam.shoot
	l := session.New(t.TempDir())
	open := func() (Device, error) {
		if err := dome.Open(); err != nil {
			return nil, err
		}
		return dome, nil
	}
	r := &rig{dome: dome, cam: cam, clk: clk, log: l}
	r.eng = NewEngine(p, open, cam, l)
	r.eng.Now = clk.Now
	r.eng.Report = func(ev Event) { r.events = append(r.events, ev) }
	return r
}

// run ticks until the session ends, failing the test if it runs away
func (r *rig) run(t *testing.T) int {
	t.Helper()
	ticks := 0
	for r.eng.Tick() {
		r.clk.advance(time.Second)
		ticks++
		require.Less(t, ticks, 10000, "session did not terminate")
	}
	return ticks + 1
}

func (r *rig) kinds(index int) []EventKind {
	var out []EventKind
	for _, ev := range r.events {
		if ev.Index == index {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *rig) shots(index int) int {
	n := 0
	want := string(lightdome.Frame(fmt.Sprintf("SHOOT,%d", index+1)))
	for _, c := range r.dome.Commands() {
		if c == want {
			n++
		}
	}
	return n
}

var defaultParams = Params{LightCount: 6, AutoRetryMaximum: 1, PreparationTicks: 2, PollingTimeout: 5}

func TestTimeoutRetriesOnceThenRecordsMissing(t *testing.T) {
	r := newRig(t, defaultParams, 3)
	require.NoError(t, r.eng.Start(FullQueue(6)))
	r.run(t)

	assert.Equal(t, 2, r.shots(3), "initial attempt plus one retry")
	assert.Equal(t, 1, r.shots(4))
	assert.Equal(t, []EventKind{EventFired, EventRetry, EventFired, EventFailed}, r.kinds(3))

	rec, ok := r.log.Get(3)
	require.True(t, ok)
	assert.Equal(t, session.Record{Index: 3, Dir: session.Missing, Filename: session.Missing, Included: false}, rec)

	// light 4 is attempted right after the failure
	var order []int
	for _, ev := range r.events {
		if ev.Kind == EventFailed || (ev.Kind == EventFired && ev.Index == 4) {
			order = append(order, ev.Index)
		}
	}
	assert.Equal(t, []int{3, 4}, order)

	reloaded, _, err := session.Load(r.log.Dir())
	require.NoError(t, err)
	assert.Equal(t, r.log.Records(), reloaded.Records())
	assert.Equal(t, []int{3}, reloaded.Missing())
}

func TestTickCountsPerLight(t *testing.T) {
	// one fire, three preparing ticks, one successful poll
	r := newRig(t, Params{LightCount: 1, PreparationTicks: 2, PollingTimeout: 5})
	require.NoError(t, r.eng.Start(FullQueue(1)))
	assert.Equal(t, 5, r.run(t))

	// and a dead light: the same, plus five empty polls and the timing-out poll
	r = newRig(t, Params{LightCount: 1, PreparationTicks: 2, PollingTimeout: 5}, 0)
	require.NoError(t, r.eng.Start(FullQueue(1)))
	assert.Equal(t, 10, r.run(t))
	assert.Equal(t, 6, r.cam.polls)
}

func TestPreparingCountsUpToThePreparationTime(t *testing.T) {
	for _, prep := range []int{0, 1, 2, 4} {
		r := newRig(t, Params{LightCount: 1, PreparationTicks: prep, PollingTimeout: 5})
		require.NoError(t, r.eng.Start(FullQueue(1)))
		require.True(t, r.eng.Tick()) // fire
		require.Equal(t, Preparing, r.eng.State().Status)
		ticks := 0
		for r.eng.State().Status == Preparing {
			require.True(t, r.eng.Tick())
			ticks++
			require.LessOrEqual(t, ticks, prep+1)
		}
		assert.Equal(t, prep+1, ticks, "preparation %d", prep)
		assert.Equal(t, Polling, r.eng.State().Status)
		assert.Equal(t, 0, r.cam.polls)
		r.eng.Stop()
	}
}

func TestFiftyLightsAllSucceed(t *testing.T) {
	r := newRig(t, Params{LightCount: 50, AutoRetryMaximum: 1, PreparationTicks: 2, PollingTimeout: 5})
	require.NoError(t, r.eng.Start(FullQueue(50)))
	r.run(t)

	recs := r.log.Records()
	require.Len(t, recs, 50)
	seen := map[string]bool{}
	for i, rec := range recs {
		assert.Equal(t, i, rec.Index)
		assert.True(t, rec.Included)
		assert.False(t, seen[rec.Filename], "file %s attributed twice", rec.Filename)
		seen[rec.Filename] = true
	}
	assert.True(t, r.log.Complete(50))
	assert.False(t, r.dome.IsOpen())
	cmds := r.dome.Commands()
	assert.Equal(t, "<OFF>", cmds[len(cmds)-1])
	assert.Equal(t, EventComplete, r.events[len(r.events)-1].Kind)
	assert.False(t, r.eng.Active())
}

func TestRecordsFollowQueueOrder(t *testing.T) {
	r := newRig(t, defaultParams)
	require.NoError(t, r.eng.Start(RetakeQueue([]int{5, 1, 3, 1})))
	r.run(t)

	var order []int
	for _, ev := range r.events {
		if ev.Kind == EventRecorded {
			order = append(order, ev.Index)
		}
	}
	assert.Equal(t, []int{1, 3, 5}, order)
	assert.Equal(t, []string{"<ON,2>", "<SHOOT,2>", "<ON,4>", "<SHOOT,4>", "<ON,6>", "<SHOOT,6>", "<OFF>"}, r.dome.Commands())
}

func TestRetakeOverwritesInPlace(t *testing.T) {
	r := newRig(t, Params{LightCount: 4, PreparationTicks: 1, PollingTimeout: 2}, 2)
	require.NoError(t, r.eng.Start(FullQueue(4)))
	r.run(t)
	require.Equal(t, []int{2}, r.log.Missing())
	before, _ := r.log.Get(1)

	delete(r.cam.dead, 2)
	require.NoError(t, r.eng.Start(RetakeQueue(r.log.Missing())))
	assert.Equal(t, noIndex, r.eng.State().Previous)
	r.run(t)

	assert.Equal(t, 4, r.log.Len())
	assert.Empty(t, r.log.Missing())
	rec, _ := r.log.Get(2)
	assert.True(t, rec.Included)
	assert.Contains(t, rec.Filename, "IMG_03_")
	after, _ := r.log.Get(1)
	assert.Equal(t, before, after)

	reloaded, _, err := session.Load(r.log.Dir())
	require.NoError(t, err)
	assert.Equal(t, r.log.Records(), reloaded.Records())
	assert.Equal(t, 2, r.dome.Opens())
}

func TestStaleFileIsNotAttributed(t *testing.T) {
	r := newRig(t, Params{LightCount: 1, PreparationTicks: 1, PollingTimeout: 2}, 0)
	r.cam.landed = []arrival.Image{{Name: "old.jpg", ModTime: base.Add(-time.Minute)}}
	require.NoError(t, r.eng.Start(FullQueue(1)))
	r.run(t)
	assert.Equal(t, []int{0}, r.log.Missing())
}

func TestNewestFileWinsAndWatermarkAdvances(t *testing.T) {
	r := newRig(t, Params{LightCount: 2, PreparationTicks: 1, PollingTimeout: 2})
	require.NoError(t, r.eng.Start(FullQueue(2)))
	r.run(t)
	a, _ := r.log.Get(0)
	b, _ := r.log.Get(1)
	assert.NotEqual(t, a.Filename, b.Filename)
	assert.True(t, r.eng.State().Watermark.After(base))
}

func TestStopLeavesCurrentLightUnrecorded(t *testing.T) {
	r := newRig(t, Params{LightCount: 3, PreparationTicks: 1, PollingTimeout: 2})
	require.NoError(t, r.eng.Start(FullQueue(3)))
	for r.log.Len() == 0 {
		require.True(t, r.eng.Tick())
		r.clk.advance(time.Second)
	}
	r.eng.Tick() // fire light 1
	r.eng.Stop()

	assert.False(t, r.eng.Active())
	assert.False(t, r.eng.Tick())
	assert.False(t, r.dome.IsOpen())
	assert.Equal(t, 1, r.log.Len())
	_, ok := r.log.Get(1)
	assert.False(t, ok)
	assert.Empty(t, r.eng.State().Pending)
	assert.Equal(t, EventStopped, r.events[len(r.events)-1].Kind)
	assert.Equal(t, 1, r.events[len(r.events)-1].Index)

	r.eng.Stop() // no-op
}

func TestStartGuards(t *testing.T) {
	r := newRig(t, defaultParams)
	assert.ErrorIs(t, r.eng.Start(nil), ErrEmptyQueue)
	assert.Panics(t, func() { _ = r.eng.Start([]int{0, 6}) })
	assert.False(t, r.eng.Active())

	require.NoError(t, r.eng.Start([]int{0}))
	assert.ErrorIs(t, r.eng.Start([]int{1}), ErrSessionActive)
	r.eng.Stop()
}

func TestStartReportsUnavailableLink(t *testing.T) {
	r := newRig(t, defaultParams)
	r.dome.Addr = ""
	err := r.eng.Start(FullQueue(6))
	assert.ErrorIs(t, err, lightdome.ErrLinkUnavailable)
	assert.False(t, r.eng.Active())
	assert.False(t, r.eng.Tick())
}

func TestNewEnginePanicsWithoutLights(t *testing.T) {
	assert.Panics(t, func() {
		NewEngine(Params{}, nil, nil, session.New(t.TempDir()))
	})
}

func TestCheckQueue(t *testing.T) {
	assert.NoError(t, CheckQueue([]int{0, 49}, 50))
	assert.ErrorIs(t, CheckQueue([]int{0, 50}, 50), ErrIndexOutOfRange)
	assert.ErrorIs(t, CheckQueue([]int{-1}, 50), ErrIndexOutOfRange)
}

func TestPollErrorsDoNotStopTheSession(t *testing.T) {
	r := newRig(t, Params{LightCount: 2, PreparationTicks: 1, PollingTimeout: 2})
	r.cam.pollErr = errors.New("card unmounted")
	require.NoError(t, r.eng.Start(FullQueue(2)))
	r.run(t)
	assert.Equal(t, 2, r.log.Len())
}

func TestMetricsFollowEvents(t *testing.T) {
	r := newRig(t, defaultParams, 3)
	reg := prometheus.NewRegistry()
	r.eng.Metrics = NewMetrics(reg)
	require.NoError(t, r.eng.Start(FullQueue(6)))
	r.run(t)

	m := r.eng.Metrics
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Recorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retried))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Current))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("complete")))
}

func TestStatusText(t *testing.T) {
	b, err := Polling.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "polling", string(b))
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("preparing")))
	assert.Equal(t, Preparing, s)
	assert.Error(t, s.UnmarshalText([]byte("asleep")))
	assert.Equal(t, "retry", EventRetry.String())
}
