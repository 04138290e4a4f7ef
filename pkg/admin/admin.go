// Package admin serves the operational HTTP endpoints: metrics, health,
// the active configuration and manual reloads.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gernest/hsproxy/pkg/config"
	"github.com/gernest/hsproxy/pkg/hrf"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/store"
	"github.com/gernest/hsproxy/pkg/zlg"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is the view of the configuration store the endpoints need.
// *store.Store implements it.
type Store interface {
	Snapshot() *route.Table
	Config() *config.Config
	Status() store.Status
	Reload() error
}

// Info identifies the running build in health responses.
type Info struct {
	Version   string
	ReleaseID string
	ServiceID string
}

// Handler returns the admin router wrapped with recovery and access logging.
func Handler(s Store, g prometheus.Gatherer, info Info) http.Handler {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	m.HandleFunc("/health", health(s, info)).Methods(http.MethodGet)
	m.HandleFunc("/config", current(s)).Methods(http.MethodGet)
	m.HandleFunc("/reload", reload(s)).Methods(http.MethodPost)
	return alice.New(recoverer, accessLog).Then(m)
}

func health(s Store, info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := hrf.Health{
			Status:    hrf.Pass,
			Version:   info.Version,
			ReleaseID: info.ReleaseID,
			ServiceID: info.ServiceID,
		}
		st := s.Status()
		switch {
		case s.Snapshot() == nil:
			h.Status = hrf.Fail
			h.Output = "no configuration loaded"
		case st.LastError != "":
			// serving with the previous configuration
			h.Status = hrf.Warn
			h.Output = st.LastError
		}
		w.Header().Set("Content-Type", hrf.ContentType)
		w.WriteHeader(h.Status.Code())
		json.NewEncoder(w).Encode(h)
	}
}

type configResponse struct {
	Status store.Status   `json:"status"`
	Config *config.Config `json:"config"`
}

func current(s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, configResponse{
			Status: s.Status(),
			Config: s.Config(),
		})
	}
}

func reload(s Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Reload(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				zlg.Logger.Error("Recovered admin handler panic",
					zap.Any("panic", v),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type delegator struct {
	http.ResponseWriter
	status  int
	written int64
}

func (d *delegator) WriteHeader(code int) {
	if d.status == 0 {
		d.status = code
	}
	d.ResponseWriter.WriteHeader(code)
}

func (d *delegator) Write(b []byte) (int, error) {
	if d.status == 0 {
		d.status = http.StatusOK
	}
	n, err := d.ResponseWriter.Write(b)
	d.written += int64(n)
	return n, err
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		d := &delegator{ResponseWriter: w}
		next.ServeHTTP(d, r)
		zlg.Debug("admin",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", d.status),
			zap.Int64("written", d.written),
			zap.Duration("duration", time.Since(now)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// Serve serves h on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	svr := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svr.Shutdown(sctx)
	}()
	zlg.Info("Starting admin server", zap.String("addr", ln.Addr().String()))
	if err := svr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
