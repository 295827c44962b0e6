package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// startHTTP serves the read-mostly query surface: cluster resources,
// named instances, resource groups, group listing, metrics, and a
// server-sent event stream of lifecycle events.
func (s *Server) startHTTP() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	s.httpLn = ln
	s.httpSrv = &http.Server{Handler: s.httpHandler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var serveErr error
		if s.cfg.TLS != nil {
			serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			serveErr = s.httpSrv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Warn().Err(serveErr).Msg("http server stopped")
		}
	}()
	return nil
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/global-scheduler/resources", s.handleResources)
	mux.HandleFunc("/instance-manager/named-ins", s.handleNamedInstances)
	mux.HandleFunc("/instance-manager/groups", s.handleGroups)
	mux.HandleFunc("/resource-group/rgroup", s.handleRGroup)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errcode.New(errcode.ParameterError, "GET only"))
		return
	}
	writeJSON(w, s.resourceQuery())
}

func (s *Server) handleNamedInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errcode.New(errcode.ParameterError, "GET only"))
		return
	}
	instances, err := s.namedInstances(r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, httpStatusFor(err), rpc.StatusOf(err))
		return
	}
	writeJSON(w, map[string]interface{}{"instances": instances})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errcode.New(errcode.ParameterError, "GET only"))
		return
	}
	writeJSON(w, map[string]interface{}{"groups": s.groups.Groups()})
}

func (s *Server) handleRGroup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groups, err := s.rgroupQuery(r.URL.Query().Get("name"))
		if err != nil {
			writeError(w, httpStatusFor(err), rpc.StatusOf(err))
			return
		}
		writeJSON(w, map[string]interface{}{"groups": groups})
	case http.MethodPost:
		if err := s.requireLeader(); err != nil {
			writeError(w, http.StatusServiceUnavailable, rpc.StatusOf(err))
			return
		}
		var rg types.ResourceGroup
		if err := json.NewDecoder(r.Body).Decode(&rg); err != nil {
			writeError(w, http.StatusBadRequest, errcode.Newf(errcode.ParameterError, "bad body: %v", err))
			return
		}
		if err := s.rgroupCreate(&rg); err != nil {
			writeError(w, httpStatusFor(err), rpc.StatusOf(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	case http.MethodDelete:
		if err := s.requireLeader(); err != nil {
			writeError(w, http.StatusServiceUnavailable, rpc.StatusOf(err))
			return
		}
		if err := s.rgroupRemove(r.URL.Query().Get("name")); err != nil {
			writeError(w, httpStatusFor(err), rpc.StatusOf(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusMethodNotAllowed, errcode.New(errcode.ParameterError, "GET, POST or DELETE"))
	}
}

// handleHealthz folds the component health table; any unhealthy
// component turns the verdict and the status code.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	rep := metrics.Health()
	status := "ok"
	if !rep.OK() {
		status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]interface{}{
		"status":     status,
		"message":    rep.Message,
		"node_id":    s.cfg.NodeID,
		"leader":     s.isLeader(),
		"uptime":     rep.Uptime,
		"components": rep.Components,
		"time":       time.Now().UTC(),
	})
}

// handleReadyz reports 503 until the metastore, the RPC listener, and
// the scheduler have all come up.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	rep := metrics.Readiness()
	if !rep.OK() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]interface{}{
		"status":     rep.Status,
		"message":    rep.Message,
		"node_id":    s.cfg.NodeID,
		"components": rep.Components,
	})
}

// handleEvents streams broker events as server-sent events until the
// client disconnects. Repeated type params narrow the stream to event
// types matching one of the prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errcode.New(errcode.InnerSystemError, "streaming unsupported"))
		return
	}
	sub := s.broker.Subscribe(r.URL.Query()["type"]...)
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, alive := <-sub:
			if !alive {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, st *errcode.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    st.Code,
		"message": st.Message,
	})
}

func httpStatusFor(err error) int {
	switch rpc.StatusOf(err).Code {
	case errcode.ParameterError:
		return http.StatusBadRequest
	case errcode.InstanceNotFound, errcode.GroupNotFound, errcode.ObjectNotFound:
		return http.StatusNotFound
	case errcode.NotLeader:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
