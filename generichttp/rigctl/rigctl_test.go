package rigctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleobytes/ptmrig/backfill"
	"github.com/paleobytes/ptmrig/capture"
	"github.com/paleobytes/ptmrig/config"
	"github.com/paleobytes/ptmrig/lightdome"
	"github.com/paleobytes/ptmrig/rig"
	"github.com/paleobytes/ptmrig/session"
)

type harness struct {
	t   *testing.T
	rig *rig.Rig
	srv *httptest.Server
}

func newHarness(t *testing.T, edit ...func(*config.Config)) *harness {
	c := config.Default()
	c.Mock = true
	c.Directory = t.TempDir()
	c.Capture.LightCount = 4
	c.Capture.TickSeconds = 0.001
	c.Capture.PollSettleSeconds = 0
	c.Capture.ShutterSettleSeconds = 0
	c.Capture.PreparationTicks = 1
	c.Capture.PollingTimeoutTicks = 50
	for _, e := range edit {
		e(&c)
	}
	rg, err := rig.New(c, nil)
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHTTPRig(rg).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{t: t, rig: rg, srv: srv}
}

func (h *harness) do(method, path, body string) (int, string) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, string(b)
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(h.t, h.rig.Wait(ctx))
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(http.MethodPost, "/session/start", "")
	require.Equal(t, http.StatusOK, code)
	h.wait()

	code, body := h.do(http.MethodGet, "/session/state", "")
	require.Equal(t, http.StatusOK, code)
	var st rig.State
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.False(t, st.Active)
	assert.Equal(t, 4, st.Recorded)
	assert.Equal(t, 4, st.LightCount)

	code, body = h.do(http.MethodGet, "/records", "")
	require.Equal(t, http.StatusOK, code)
	var slots []session.Slot
	require.NoError(t, json.Unmarshal([]byte(body), &slots))
	require.Len(t, slots, 4)
	for i, s := range slots {
		assert.Equal(t, i, s.Index)
		assert.True(t, s.Recorded)
		assert.True(t, s.Included)
	}

	code, _ = h.do(http.MethodPost, "/records/2/included", `{"bool":false}`)
	assert.Equal(t, http.StatusOK, code)
	rec, _ := h.rig.Log().Get(2)
	assert.False(t, rec.Included)

	code, _ = h.do(http.MethodPost, "/session/retake", `{"ints":[3,1]}`)
	require.Equal(t, http.StatusOK, code)
	h.wait()
	cmds := h.rig.Mock.Commands()
	assert.Equal(t, []string{"<ON,2>", "<SHOOT,2>", "<ON,4>", "<SHOOT,4>", "<OFF>"}, cmds[len(cmds)-5:])

	code, _ = h.do(http.MethodPost, "/session/resume", "")
	assert.Equal(t, http.StatusBadRequest, code, "nothing pending")

	code, _ = h.do(http.MethodPost, "/records/clear", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, h.rig.Log().Len())
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/session/retake", `{"ints":[9]}`, http.StatusBadRequest},
		{http.MethodPost, "/session/retake", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/session/pause", "", http.StatusConflict},
		{http.MethodPost, "/session/continue", "", http.StatusConflict},
		{http.MethodPost, "/records/x/included", `{"bool":true}`, http.StatusBadRequest},
		{http.MethodPost, "/records/1/included", `{"bool":true}`, http.StatusBadRequest},
		{http.MethodPost, "/directory", `{"str":"/definitely/not/here"}`, http.StatusInternalServerError},
		{http.MethodPost, "/testshot", `{"int":4}`, http.StatusBadRequest},
		{http.MethodPost, "/testshot", `{"int":-1}`, http.StatusBadRequest},
		{http.MethodPost, "/testshot", `{"int":-7}`, http.StatusBadRequest},
		{http.MethodPost, "/import", "", http.StatusBadRequest},
		{http.MethodPost, "/fit", "", http.StatusBadRequest},
		{http.MethodGet, "/manifest", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		code, body := h.do(tt.method, tt.path, tt.body)
		assert.Equal(t, tt.want, code, "%s %s: %s", tt.method, tt.path, body)
	}
	code, _ := h.do(http.MethodPost, "/session/stop", "")
	assert.Equal(t, http.StatusOK, code, "stopping nothing is fine")
}

func TestActiveSessionConflicts(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Capture.TickSeconds = 60 })
	code, _ := h.do(http.MethodPost, "/session/start", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodPost, "/session/start", "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(http.MethodPost, "/directory", fmt.Sprintf(`{"str":%q}`, t.TempDir()))
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(http.MethodPost, "/session/pause", "")
	assert.Equal(t, http.StatusOK, code)

	code, body := h.do(http.MethodGet, "/session/state", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"paused":true`)
	assert.Contains(t, body, `"status":"idle"`)

	code, _ = h.do(http.MethodPost, "/session/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, h.rig.Active())
}

func TestDirectory(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(http.MethodGet, "/directory", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, fmt.Sprintf(`{"str":%q}`, h.rig.Dir()), body)

	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, session.DefaultFilename),
		[]byte("0,"+other+",a.jpg,True\nbroken\n"), 0o644))
	code, body = h.do(http.MethodPost, "/directory", fmt.Sprintf(`{"str":%q}`, other))
	require.Equal(t, http.StatusOK, code)
	var resp struct {
		Dir      string   `json:"dir"`
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, other, resp.Dir)
	assert.Len(t, resp.Warnings, 1)
	assert.Equal(t, 1, h.rig.Log().Len())
}

func TestTestShot(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(http.MethodPost, "/testshot", `{"int":0}`)
	require.Equal(t, http.StatusOK, code)
	var s struct {
		Str string `json:"str"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	assert.True(t, strings.HasPrefix(s.Str, "MOCK_01_"))

	code, body = h.do(http.MethodPost, "/testshot", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "MOCK_04_")
}

func TestImportMismatchIsUnprocessable(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, off := range []int{0, 5, 10} {
		p := filepath.Join(h.rig.Dir(), fmt.Sprintf("DSC_%04d.JPG", i+1))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		ts := base.Add(time.Duration(off) * time.Second)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}
	code, _ := h.do(http.MethodPost, "/import", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.False(t, h.rig.Log().Exists())
}

func TestPositions(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, code)
	var ps []rig.Position
	require.NoError(t, json.Unmarshal([]byte(body), &ps))
	assert.Len(t, ps, 4)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{capture.ErrSessionActive, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", backfill.ErrImportMismatch), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: no device address configured", lightdome.ErrLinkUnavailable), http.StatusServiceUnavailable},
		{capture.ErrIndexOutOfRange, http.StatusBadRequest},
		{capture.ErrCaptureTimeout, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), tt.err.Error())
	}
}

func TestEndpointsAreListed(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(http.MethodGet, "/endpoints", "")
	require.Equal(t, http.StatusOK, code)
	for _, ep := range []string{"POST /session/start", "GET /records", "POST /fit", "GET /positions"} {
		assert.Contains(t, body, ep)
	}
}
