package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	gjson "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"murmur/internal/gossip"
)

// SnapshotSource provides the state rendered by the gateway.
type SnapshotSource interface {
	Snapshot() *gossip.Snapshot
}

// Options configures the gateway.
type Options struct {
	// AuthToken, when set, must be presented as a bearer token.
	AuthToken string
	// Redact hides the member level routes /butterfly and /census.
	Redact bool
	// Metrics is rendered at /metrics. Nil disables the route.
	Metrics *metrics.InmemSink
}

type gateway struct {
	src  SnapshotSource
	opts Options
	log  *log.Entry
}

// New returns the gateway handler.
func New(src SnapshotSource, opts Options) http.Handler {
	g := &gateway{
		src:  src,
		opts: opts,
		log:  log.WithField("package", "gateway"),
	}

	r := mux.NewRouter()
	r.Use(g.instrument, g.authenticate)
	if !opts.Redact {
		r.HandleFunc("/butterfly", g.butterfly).Methods("GET").Name("butterfly")
		r.HandleFunc("/census", g.census).Methods("GET").Name("census")
	}
	r.HandleFunc("/services", g.services).Methods("GET").Name("services")
	for _, prefix := range []string{"/services/{svc}/{group}", "/services/{svc}/{group}/{org}"} {
		r.HandleFunc(prefix+"/config", g.serviceConfig).Methods("GET").Name("service_config")
		r.HandleFunc(prefix+"/health", g.serviceHealth).Methods("GET").Name("service_health")
		r.HandleFunc(prefix, g.service).Methods("GET").Name("service")
	}
	if opts.Metrics != nil {
		r.HandleFunc("/metrics", g.metricsSummary).Methods("GET").Name("metrics")
	}
	return r
}

type apiSuccessResponse struct {
	Data interface{} `json:"data,omitempty"`
}

type apiErrorResponse struct {
	Errors []string `json:"errors"`
}

func (g *gateway) sendResponse(code int, data interface{}, w http.ResponseWriter) {
	g.send(code, apiSuccessResponse{Data: data}, w)
}

func (g *gateway) sendError(code int, err error, w http.ResponseWriter) {
	g.send(code, apiErrorResponse{Errors: []string{err.Error()}}, w)
}

func (g *gateway) send(code int, resp interface{}, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := gjson.NewEncoder(w).Encode(resp); err != nil {
		g.log.WithError(err).Error("encode response")
	}
}

func (g *gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if g.opts.AuthToken == "" {
			next.ServeHTTP(w, req)
			return
		}
		token, ok := bearer(req.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.AuthToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			g.sendError(http.StatusUnauthorized, errors.New("unauthorized"), w)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func (g *gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := "unknown"
		if route := mux.CurrentRoute(req); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		defer metrics.MeasureSince([]string{"murmur", "gateway", name}, time.Now())
		metrics.IncrCounter([]string{"murmur", "gateway", name, "requests"}, 1)
		next.ServeHTTP(w, req)
	})
}

func (g *gateway) butterfly(w http.ResponseWriter, req *http.Request) {
	g.sendResponse(http.StatusOK, g.src.Snapshot(), w)
}

type censusMember struct {
	MemberID    string `json:"member_id"`
	Health      string `json:"member_health"`
	Pkg         string `json:"pkg"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Suitability uint64 `json:"suitability"`
	Leader      bool   `json:"leader"`
}

type censusGroup struct {
	Group          string         `json:"group"`
	Leader         string         `json:"leader,omitempty"`
	ElectionStatus string         `json:"election_status,omitempty"`
	Term           uint64         `json:"term"`
	Health         string         `json:"health,omitempty"`
	Population     []censusMember `json:"population"`
}

type census struct {
	MemberID string        `json:"member_id"`
	Groups   []censusGroup `json:"census_groups"`
}

func (g *gateway) census(w http.ResponseWriter, req *http.Request) {
	snap := g.src.Snapshot()
	out := census{MemberID: snap.LocalID, Groups: []censusGroup{}}
	for _, name := range snap.Groups() {
		v := snap.Services[name]
		cg := censusGroup{
			Group:      name,
			Leader:     v.Leader,
			Health:     v.HealthString(),
			Population: []censusMember{},
		}
		if e, ok := snap.Elections[name]; ok {
			cg.ElectionStatus = e.Status
			cg.Term = e.Term
		}
		for _, svc := range v.Services {
			cg.Population = append(cg.Population, censusMember{
				MemberID:    svc.MemberID,
				Health:      svc.MemberState,
				Pkg:         svc.Pkg,
				Host:        svc.Host,
				Port:        svc.Port,
				Suitability: svc.Suitability,
				Leader:      svc.Leader,
			})
		}
		out.Groups = append(out.Groups, cg)
	}
	g.sendResponse(http.StatusOK, out, w)
}

// groupView adds the local health result, which the snapshot keeps out of
// its own JSON form.
type groupView struct {
	gossip.ServiceGroupView
	Health string `json:"health,omitempty"`
}

func (g *gateway) services(w http.ResponseWriter, req *http.Request) {
	snap := g.src.Snapshot()
	out := make([]groupView, 0, len(snap.Services))
	for _, name := range snap.Groups() {
		v := snap.Services[name]
		out = append(out, groupView{ServiceGroupView: v, Health: v.HealthString()})
	}
	g.sendResponse(http.StatusOK, out, w)
}

// GroupID builds a service group id from its parts.
func GroupID(svc, group, org string) string {
	id := svc + "." + group
	if org != "" {
		id += "@" + org
	}
	return id
}

func (g *gateway) lookup(w http.ResponseWriter, req *http.Request) (*gossip.Snapshot, gossip.ServiceGroupView, bool) {
	vars := mux.Vars(req)
	id := GroupID(vars["svc"], vars["group"], vars["org"])
	snap := g.src.Snapshot()
	v, ok := snap.Services[id]
	if !ok {
		g.sendError(http.StatusNotFound, errors.Errorf("service group %s not found", id), w)
		return nil, v, false
	}
	return snap, v, true
}

func (g *gateway) service(w http.ResponseWriter, req *http.Request) {
	_, v, ok := g.lookup(w, req)
	if !ok {
		return
	}
	g.sendResponse(http.StatusOK, groupView{ServiceGroupView: v, Health: v.HealthString()}, w)
}

type configResp struct {
	Group    string `json:"group"`
	MemberID string `json:"member_id"`
	Cfg      string `json:"cfg"`
}

// serviceConfig renders the configuration announced by the local member,
// falling back to the leader's and then to the first announcement.
func (g *gateway) serviceConfig(w http.ResponseWriter, req *http.Request) {
	snap, v, ok := g.lookup(w, req)
	if !ok {
		return
	}
	var pick *gossip.ServiceView
	for i := range v.Services {
		svc := &v.Services[i]
		switch {
		case svc.MemberID == snap.LocalID:
			pick = svc
		case svc.Leader && (pick == nil || pick.MemberID != snap.LocalID):
			pick = svc
		case pick == nil:
			pick = svc
		}
	}
	if pick == nil {
		g.sendError(http.StatusNotFound, errors.Errorf("service group %s has no configuration", v.Group), w)
		return
	}
	g.sendResponse(http.StatusOK, configResp{Group: v.Group, MemberID: pick.MemberID, Cfg: string(pick.Cfg)}, w)
}

type healthResp struct {
	Status string `json:"status"`
}

func (g *gateway) serviceHealth(w http.ResponseWriter, req *http.Request) {
	_, v, ok := g.lookup(w, req)
	if !ok {
		return
	}
	if !v.HasHealth {
		g.sendError(http.StatusNotFound, errors.Errorf("no health check result for %s", v.Group), w)
		return
	}
	g.sendResponse(HealthCode(v.Health), healthResp{Status: v.Health.String()}, w)
}

// HealthCode maps a health check result to its HTTP status.
func HealthCode(h gossip.HealthResult) int {
	switch h {
	case gossip.HealthOk, gossip.HealthWarning:
		return http.StatusOK
	case gossip.HealthCritical:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *gateway) metricsSummary(w http.ResponseWriter, req *http.Request) {
	data, err := g.opts.Metrics.DisplayMetrics(w, req)
	if err != nil {
		g.sendError(http.StatusInternalServerError, errors.Wrap(err, "collect metrics"), w)
		return
	}
	g.sendResponse(http.StatusOK, data, w)
}
