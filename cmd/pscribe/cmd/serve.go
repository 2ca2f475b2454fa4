package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/pianoscribe/pkg/auth"
	"github.com/psantana5/pianoscribe/pkg/history"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/metrics"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/ratelimit"
	"github.com/psantana5/pianoscribe/pkg/shutdown"
	"github.com/psantana5/pianoscribe/pkg/tlsconfig"
	"github.com/psantana5/pianoscribe/pkg/tracker"
	"github.com/psantana5/pianoscribe/pkg/web"
)

var (
	serveAddr      string
	serveTLSCert   string
	serveTLSKey    string
	serveRateLimit float64
	serveBurst     int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local web API for a browser front-end",
	Long: `Serve a local HTTP API that tracks one transcription job at a time:

  GET    /api/job                 current job
  POST   /api/job                 submit a WAV file (multipart field "file")
  DELETE /api/job                 reset to idle
  GET    /api/job/artifact?kind=  download the PDF or MIDI result
  GET    /api/job/events          job snapshots as server-sent events
  GET    /api/health              transcription service reachability
  GET    /metrics                 Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8090", "listen address")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key file")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 0.2, "job submissions per second per client")
	serveCmd.Flags().IntVar(&serveBurst, "burst", 3, "burst of job submissions per client")
	serveCmd.Flags().String("token", "", "require this bearer token on the job API")

	viper.BindPFlag("serve.token", serveCmd.Flags().Lookup("token"))
}

// accessGuard returns the token check configured for serve, if any
func accessGuard() (*auth.TokenAuth, error) {
	if hash := viper.GetString("serve.token_hash"); hash != "" {
		return auth.NewTokenAuthFromHash(hash)
	}
	if token := viper.GetString("serve.token"); token != "" {
		return auth.NewTokenAuth(token)
	}
	return nil, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger("serve")
	defer logger.Close()

	provider, err := initTracing(logger)
	if err != nil {
		return err
	}

	api, err := newClient(logger)
	if err != nil {
		return err
	}

	cfg, err := trackerConfig()
	if err != nil {
		return err
	}

	store, err := openHistory()
	if err != nil {
		logger.Warn("Job history disabled", logging.Fields{"error": err})
		store = history.NewMemoryStore()
	}

	m := metrics.New()
	ctrl := tracker.New(api, cfg, logger,
		tracker.WithMetrics(m),
		tracker.WithFinishHook(func(job models.Job) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Save(ctx, history.FromJob(job)); err != nil {
				logger.Warn("Failed to record job", logging.Fields{"task_id": job.ID, "error": err})
			}
		}),
	)

	limiter := ratelimit.NewLimiter(serveRateLimit, serveBurst)
	handler := web.NewHandler(ctrl, api, logger)
	handler.SetRateLimiter(limiter)
	handler.SetMaxUploadSize(cfg.MaxFileSize)
	handler.SetProxyDownloads(viper.GetString("api_key") != "")

	router := mux.NewRouter()
	router.Use(m.Middleware)
	guard, err := accessGuard()
	if err != nil {
		return err
	}
	if guard != nil {
		router.Use(guard.Middleware("/api/health", "/metrics"))
	}
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: event streams and downloads are long-lived
		IdleTimeout: 120 * time.Second,
	}
	if serveTLSCert != "" || serveTLSKey != "" {
		tlsConfig, err := tlsconfig.LoadServerTLSConfig(serveTLSCert, serveTLSKey)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Event streams never go idle; end them when shutdown begins
	requestCtx, stopRequests := context.WithCancel(context.Background())
	defer stopRequests()
	srv.BaseContext = func(net.Listener) context.Context { return requestCtx }
	srv.RegisterOnShutdown(stopRequests)

	// Forget idle clients
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
					logger.Debug("Removed idle rate limiters", logging.Fields{"count": n})
				}
			}
		}
	}()

	mgr := shutdown.New(15*time.Second, logger)
	mgr.Register("tracing", provider.Shutdown)
	mgr.Register("history", shutdown.CloseResource(store))
	mgr.Register("tracker", func(context.Context) error {
		ctrl.Reset()
		return nil
	})
	mgr.Register("http", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Web API listening", logging.Fields{
			"addr":    serveAddr,
			"tls":     srv.TLSConfig != nil,
			"auth":    guard != nil,
			"service": api.APIURL(),
		})

		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
			cancel()
		}
	}()

	mgr.WaitWithContext(ctx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("web API server failed: %w", err)
	default:
		return nil
	}
}
