package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
)

var servePort int

type processRequest struct {
	Source string         `json:"source"`
	Data   map[string]any `json:"data,omitempty"`
	Text   string         `json:"text,omitempty"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP processing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		queueSize := cfg.Server.QueueSize
		if queueSize <= 0 {
			queueSize = 100
		}
		workers := cfg.Server.Workers
		if workers <= 0 {
			workers = 4
		}

		queue := make(chan model.RawRecord, queueSize)
		for i := 0; i < workers; i++ {
			go serveWorker(ctx, env, queue)
		}

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			status, code := overallHealth(req.Context(), env)
			writeJSON(w, code, map[string]string{
				"status":  status,
				"service": "property-cli",
			})
		})

		r.Get("/health/llm", func(w http.ResponseWriter, req *http.Request) {
			components, code := componentHealth(req.Context(), env, len(queue), queueSize)
			writeJSON(w, code, components)
		})

		r.Handle("/metrics", promhttp.Handler())

		r.Post("/process", func(w http.ResponseWriter, req *http.Request) {
			var pr processRequest
			if err := json.NewDecoder(req.Body).Decode(&pr); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			raw, err := rawFromRequest(pr)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			select {
			case queue <- raw:
				metrics.QueueDepth.Set(float64(len(queue)))
				writeJSON(w, http.StatusOK, map[string]any{
					"status":         "queued",
					"queue_position": len(queue),
				})
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue full"})
			}
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Int("workers", workers), zap.Int("queue_size", queueSize))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func serveWorker(ctx context.Context, env *pipelineEnv, queue <-chan model.RawRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-queue:
			metrics.QueueDepth.Set(float64(len(queue)))
			result := env.Pipeline.Process(ctx, raw)
			if result.IsValid && result.Property != nil {
				if err := env.Store.SaveProperty(ctx, *result.Property); err != nil {
					zap.L().Error("save failed",
						zap.String("property_id", result.Property.PropertyID),
						zap.Error(err),
					)
					continue
				}
				metrics.SavedTotal.WithLabelValues(string(raw.Source)).Inc()
			}
		}
	}
}

func rawFromRequest(pr processRequest) (model.RawRecord, error) {
	source := model.Source(pr.Source)
	switch source {
	case model.SourceMaricopaCounty:
		if len(pr.Data) == 0 {
			return model.RawRecord{}, eris.New("data is required for maricopa_county")
		}
		return model.RawRecord{Source: source, ContentType: model.ContentJSON, Fields: pr.Data}, nil
	case model.SourcePhoenixMLS:
		if pr.Text == "" {
			return model.RawRecord{}, eris.New("text is required for phoenix_mls")
		}
		return model.RawRecord{Source: source, ContentType: model.ContentHTML, Text: pr.Text}, nil
	default:
		return model.RawRecord{}, eris.Errorf("unknown source %q", pr.Source)
	}
}

// overallHealth maps component state onto the service verdict: the model
// being unreachable or the database failing is fatal; a degraded cache or
// monitor is not.
func overallHealth(ctx context.Context, env *pipelineEnv) (string, int) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := env.Client.HealthCheck(checkCtx); err != nil {
		return "unhealthy", http.StatusServiceUnavailable
	}
	if err := env.Store.Ping(checkCtx); err != nil {
		return "unhealthy", http.StatusServiceUnavailable
	}
	if env.Cache.Degraded() || env.Monitor.Degraded() {
		return "degraded", http.StatusOK
	}
	return "healthy", http.StatusOK
}

func componentHealth(ctx context.Context, env *pipelineEnv, queueDepth, queueSize int) (map[string]any, int) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	code := http.StatusOK
	components := map[string]any{}

	if err := env.Store.Ping(checkCtx); err != nil {
		components["database"] = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		components["database"] = "healthy"
	}

	if err := env.Client.HealthCheck(checkCtx); err != nil {
		components["model"] = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		components["model"] = "healthy"
	}

	if queueSize > 0 {
		components["queue_utilization_percent"] = float64(queueDepth) / float64(queueSize) * 100
	}
	components["memory_percent"] = env.Monitor.Snapshot().MemoryPercent

	return components, code
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
