/*Package rigctl exposes a capture station over HTTP.

Sessions run in the background; clients start them and then watch
GET /session/state.  Errors come back as plain text with a status code:
400 for bad input, 409 when a session is in the way, 422 when an import does
not add up, 503 when the light controller cannot be reached, and 500 for the
rest.
*/
package rigctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/paleobytes/ptmrig/backfill"
	"github.com/paleobytes/ptmrig/capture"
	"github.com/paleobytes/ptmrig/fitter"
	"github.com/paleobytes/ptmrig/generichttp"
	"github.com/paleobytes/ptmrig/lightdome"
	"github.com/paleobytes/ptmrig/rig"
	"github.com/paleobytes/ptmrig/server"
	"github.com/paleobytes/ptmrig/session"
)

// HTTPRig wraps a rig in an HTTP route table
type HTTPRig struct {
	Rig *rig.Rig

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPRig returns a new HTTP wrapper around a rig
func NewHTTPRig(r *rig.Rig) HTTPRig {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/session/start"}:    do(r.StartAll),
		{Method: http.MethodPost, Path: "/session/resume"}:   do(r.Resume),
		{Method: http.MethodPost, Path: "/session/retake"}:   Retake(r),
		{Method: http.MethodPost, Path: "/session/pause"}:    do(r.Pause),
		{Method: http.MethodPost, Path: "/session/continue"}: do(r.Continue),
		{Method: http.MethodPost, Path: "/session/stop"}:     do(func() error { r.Stop(); return nil }),
		{Method: http.MethodGet, Path: "/session/state"}:     GetState(r),

		{Method: http.MethodGet, Path: "/records"}:                    GetRecords(r),
		{Method: http.MethodPost, Path: "/records/{index}/included"}: SetIncluded(r),
		{Method: http.MethodPost, Path: "/records/clear"}:             do(r.Clear),

		{Method: http.MethodGet, Path: "/directory"}: generichttp.GetString(func() (string, error) {
			return r.Dir(), nil
		}),
		{Method: http.MethodPost, Path: "/directory"}: SetDirectory(r),

		{Method: http.MethodPost, Path: "/import"}:   Import(r),
		{Method: http.MethodPost, Path: "/fit"}:      Fit(r),
		{Method: http.MethodGet, Path: "/manifest"}:  GetManifest(r),
		{Method: http.MethodPost, Path: "/testshot"}: TestShot(r),
		{Method: http.MethodGet, Path: "/positions"}: GetPositions(r),
	}
	return HTTPRig{Rig: r, RouteTable: rt}
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPRig) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Status maps an error from the rig to an HTTP status code
func Status(err error) int {
	switch {
	case errors.Is(err, capture.ErrSessionActive),
		errors.Is(err, capture.ErrNoSession),
		errors.Is(err, backfill.ErrLogExists):
		return http.StatusConflict
	case errors.Is(err, backfill.ErrImportMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lightdome.ErrLinkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrIndexOutOfRange),
		errors.Is(err, capture.ErrEmptyQueue),
		errors.Is(err, rig.ErrNothingPending),
		errors.Is(err, rig.ErrNotDirectory),
		errors.Is(err, session.ErrUnknownIndex),
		errors.Is(err, backfill.ErrNoImages),
		errors.Is(err, fitter.ErrEmptyManifest):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrCaptureTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

// do wraps an action without arguments or results
func do(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Retake parses {"ints": [indices]} and retakes those lights
func Retake(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		is := generichttp.IntsT{}
		err := json.NewDecoder(r.Body).Decode(&is)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = rg.Retake(is.Ints); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetState returns the rig state as JSON
func GetState(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, rg.State())
	}
}

// GetRecords returns one row per light as JSON
func GetRecords(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, rg.Slots())
	}
}

// SetIncluded parses {"bool": value} and selects or deselects the light in the URL
func SetIncluded(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := generichttp.BoolT{}
		err = json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = rg.SetIncluded(index, b.Bool); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SetDirectory parses {"str": path} and switches folder.  Lines of the
// session log that were skipped come back as {"warnings": [...]}.
func SetDirectory(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		warnings, err := rg.SetDirectory(s.Str)
		if err != nil {
			fail(w, err)
			return
		}
		msgs := make([]string, len(warnings))
		for i, warn := range warnings {
			msgs[i] = warn.Error()
		}
		generichttp.RespondJSON(w, map[string]interface{}{"dir": rg.Dir(), "warnings": msgs})
	}
}

// Import reconstructs the session log from the images' timestamps
func Import(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := rg.Import()
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.RespondJSON(w, res)
	}
}

// Fit parses an optional {"str": output path}, writes the manifest, and runs
// the fitter.  The fitter runs as long as the request does.
func Fit(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := generichttp.StrT{}
		if r.ContentLength != 0 {
			err := json.NewDecoder(r.Body).Decode(&s)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := rg.Fit(r.Context(), s.Str)
		if err != nil {
			fail(w, err)
			return
		}
		generichttp.RespondJSON(w, res)
	}
}

// GetManifest serves the light position file last written by /fit
func GetManifest(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := fitter.ManifestPath(rg.Dir())
		if err != nil {
			fail(w, err)
			return
		}
		server.ReplyWithFile(w, r, filepath.Base(p), filepath.Dir(p))
	}
}

// TestShot parses {"int": index} and takes a test shot with that light,
// replying {"str": filename}.  Without a body the last light is used.
func TestShot(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index := rig.LastLight
		if r.ContentLength != 0 {
			i := generichttp.IntT{}
			err := json.NewDecoder(r.Body).Decode(&i)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if i.Int < 0 {
				fail(w, fmt.Errorf("%w: %d", capture.ErrIndexOutOfRange, i.Int))
				return
			}
			index = i.Int
		}
		img, err := rg.TestShot(index)
		if err != nil {
			fail(w, err)
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: img.Name}
		hp.EncodeAndRespond(w, r)
	}
}

// GetPositions returns every light's calibration and direction
func GetPositions(rg *rig.Rig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, rg.Positions())
	}
}
