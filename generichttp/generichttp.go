// Package generichttp holds the pieces shared by the HTTP wrappers: a route
// table bound onto a chi router, small JSON request bodies, and a typed
// reply payload
package generichttp

import (
	"encoding/json"
	"go/types"
	"log"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a chi path pattern
type MethodPath struct {
	Method string
	Path   string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps methods and paths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted by path then method
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path == keys[j].Path {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Path < keys[j].Path
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// Bind binds every route onto r, plus GET /endpoints which lists them
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fn)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		RespondJSON(w, rt.Endpoints())
	})
}

// HTTPer is anything that can produce a route table
type HTTPer interface {
	RT() RouteTable
}

// BoolT is the request body {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT is the request body {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is the request body {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// IntsT is the request body {"ints": [values...]}
type IntsT struct {
	Ints []int `json:"ints"`
}

// HumanPayload is a single typed value sent back to a client.  T selects
// which field is encoded and under what key.
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload as JSON, e.g. {"bool": true}
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	switch hp.T {
	case types.Bool:
		body = map[string]interface{}{"bool": hp.Bool}
	case types.Int:
		body = map[string]interface{}{"int": hp.Int}
	case types.Float64:
		body = map[string]interface{}{"f64": hp.Float}
	case types.String:
		body = map[string]interface{}{"str": hp.String}
	default:
		http.Error(w, "unsupported payload type", http.StatusInternalServerError)
		return
	}
	RespondJSON(w, body)
}

// RespondJSON writes v as a JSON 200 response
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone, all that is left is to note it
		log.Printf("error encoding response to json %q\n", err)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
