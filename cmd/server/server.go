package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"kamal-napper/cmd/root"
	"kamal-napper/controllers"
	"kamal-napper/internal/config"
	"kamal-napper/internal/logger"
	"kamal-napper/internal/middleware"
	"kamal-napper/services"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the supervisor daemon",
	Long:  `Runs the control loop and the HTTP control API until SIGTERM/SIGINT.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := startServer(context.Background()); err != nil {
			logger.Fatal(err)
		}
	},
}

/**
 * Start the daemon: control loop + control API
 * @param {context.Context} ctx - Base context
 * @returns {error} Configuration or initialization errors; these exit non-zero
 * @description
 * - SIGTERM/SIGINT cancel the supervisor context; the current per-host
 *   step finishes, state is persisted and the process exits zero
 * - SIGUSR1 dumps a status summary to the log without interrupting the
 *   tick
 */
func startServer(ctx context.Context) error {
	cfg := config.App()
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := services.NewStatePersistence(cfg.StateDir)
	if err != nil {
		return err
	}
	if err := store.CleanupBackups(5); err != nil {
		logger.Warnf("Backup cleanup: %v", err)
	}

	runner := services.NewRunner(cfg)
	detector := services.NewRequestDetector(cfg, runner)
	health := services.NewHealthChecker(cfg)
	supervisor := services.NewSupervisor(cfg, detector, health, runner, store)

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	router.Use(middleware.MetricsMiddleware())
	controllers.NewAPIController().RegisterRoutes(router)
	controllers.NewAppController(supervisor).RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			supervisor.DumpStatus()
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}
	go func() {
		logger.Infof("Control API listening on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Control API failed: %v", err)
		}
	}()

	// Blocks until the context is cancelled; the supervisor persists on
	// the way out.
	supervisor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Control API shutdown: %v", err)
	}
	return nil
}

func init() {
	root.RootCmd.AddCommand(serverCmd)
}
