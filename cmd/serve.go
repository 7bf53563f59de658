package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/custody"
	"github.com/sells-group/custody-trace/internal/metrics"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/store"
)

// actorHeader carries the caller's address. Authentication is done upstream.
const actorHeader = "X-Actor-Address"

const maxUploadBytes = 10 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the custody HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(env, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildMux wires the HTTP routes onto env.
func buildMux(env *appEnv, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", actorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if env.Media != nil {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(env.Media.Dir()))))
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/products", func(pr chi.Router) {
			pr.Get("/", handleListProducts(env))
			pr.Post("/", handleCreateProduct(env))
			pr.Get("/{id}", handleGetProduct(env))
			pr.Post("/{id}/hops", handleAddHop(env))
			pr.Post("/{id}/complete", handleCompleteProduct(env))
		})
		api.Post("/identities", handleRegisterIdentity(env))
		api.Get("/identities/{address}", handleGetIdentity(env))
		api.Get("/analytics/dashboard", handleDashboard(env))
		api.Get("/analytics/partners", handlePartners(env))
	})

	return r
}

// hopForm is the decoded body of a create or hop request.
type hopForm struct {
	ProductName string   `json:"product_name"`
	Location    string   `json:"location"`
	Actor       string   `json:"actor"`
	Flags       []string `json:"flags"`
	Image       []byte   `json:"image"` // base64 in JSON bodies
}

// decodeHopForm accepts multipart uploads with an "image" file part, or JSON.
// The actor header wins over any body field.
func decodeHopForm(r *http.Request) (hopForm, error) {
	var f hopForm
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return f, eris.Wrap(err, "parse multipart form")
		}
		f.ProductName = r.FormValue("product_name")
		f.Location = r.FormValue("location")
		f.Actor = r.FormValue("actor")
		f.Flags = r.MultipartForm.Value["flags"]
		if file, _, err := r.FormFile("image"); err == nil {
			defer file.Close() //nolint:errcheck
			data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			if err != nil {
				return f, eris.Wrap(err, "read image part")
			}
			f.Image = data
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&f); err != nil {
		return f, eris.Wrap(err, "decode body")
	}
	if a := r.Header.Get(actorHeader); a != "" {
		f.Actor = a
	}
	return f, nil
}

func handleCreateProduct(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := decodeHopForm(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := env.Pipeline.CreateProduct(r.Context(), custody.CreateRequest{
			ProductName: f.ProductName,
			Location:    f.Location,
			Actor:       f.Actor,
			Flags:       f.Flags,
			Image:       f.Image,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		logDegraded(res)
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleAddHop(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := decodeHopForm(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := env.Pipeline.AddHop(r.Context(), custody.HopRequest{
			ProductID: chi.URLParam(r, "id"),
			Location:  f.Location,
			Actor:     f.Actor,
			Flags:     f.Flags,
			Image:     f.Image,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		logDegraded(res)
		status := http.StatusCreated
		if !res.Confirmed {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func handleCompleteProduct(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := env.Pipeline.CompleteProduct(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetProduct(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := env.Reconciler.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListProducts(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		recs, err := env.Store.ListProducts(r.Context(), store.ProductFilter{
			Manufacturer: q.Get("manufacturer"),
			Actor:        q.Get("actor"),
			Limit:        limit,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if recs == nil {
			recs = []model.ProductRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleRegisterIdentity(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id model.Identity
		if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode body"))
			return
		}
		if a := r.Header.Get(actorHeader); a != "" {
			id.Address = a
		}
		if err := env.Directory.Register(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := env.Directory.Lookup(r.Context(), id.Address)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func handleGetIdentity(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := env.Directory.Lookup(r.Context(), chi.URLParam(r, "address"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if id == nil {
			writeError(w, http.StatusNotFound, eris.New("identity not registered"))
			return
		}
		writeJSON(w, http.StatusOK, id)
	}
}

func handleDashboard(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manufacturer := r.Header.Get(actorHeader)
		if manufacturer == "" {
			writeError(w, http.StatusUnauthorized, eris.New("actor address is required"))
			return
		}
		d, err := env.Analytics.Dashboard(r.Context(), manufacturer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handlePartners(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manufacturer := r.Header.Get(actorHeader)
		if manufacturer == "" {
			writeError(w, http.StatusUnauthorized, eris.New("actor address is required"))
			return
		}
		p, err := env.Analytics.Partners(r.Context(), manufacturer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// statusFor maps the custody error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, custody.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, custody.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, custody.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, custody.ErrMiningTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, custody.ErrLedgerUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, custody.ErrLedgerUnconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
