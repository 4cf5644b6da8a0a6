// Command cogwheelftpd runs the FTP server: it loads configuration, wires
// the credential store, filesystem root, TLS material, metrics and the
// manager control endpoint together, then serves until told to stop.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ftpserver "github.com/clockwork-project/cogwheelftp"
	"github.com/clockwork-project/cogwheelftp/internal/auth"
	"github.com/clockwork-project/cogwheelftp/internal/config"
	"github.com/clockwork-project/cogwheelftp/internal/logsink"
	"github.com/clockwork-project/cogwheelftp/internal/manager"
	"github.com/clockwork-project/cogwheelftp/internal/metrics"
	"github.com/clockwork-project/cogwheelftp/internal/registry"
	"github.com/clockwork-project/cogwheelftp/log"
	"github.com/clockwork-project/cogwheelftp/log/zap"
)

// Exit codes (spec §6).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitBindFailure  = 2
	exitTLSMaterial  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:   "cogwheelftpd",
		Short: "cogwheelftpd runs an FTP server",
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a TOML/YAML config file")

	exitCode := exitOK

	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = serve(configPath)

		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:errcheck

		return exitConfigError
	}

	return exitCode
}

func serve(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err) //nolint:errcheck

		return exitConfigError
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err) //nolint:errcheck

		return exitConfigError
	}

	sink := logsink.New(logger, time.Duration(cfg.LogFlushMs)*time.Millisecond)
	collector := metrics.New()

	accounts := make([]auth.Record, 0, len(cfg.Accounts))

	for _, a := range cfg.Accounts {
		hash, hashErr := auth.HashPassword(a.Password)
		if hashErr != nil {
			fmt.Fprintln(os.Stderr, "could not hash password for", a.Username, ":", hashErr) //nolint:errcheck

			return exitConfigError
		}

		accounts = append(accounts, auth.Record{
			Username:     a.Username,
			PasswordHash: hash,
			HomeDir:      a.HomeDir,
			Disabled:     a.Disabled,
		})
	}

	store := auth.NewStore(accounts, cfg.AnonymousEnabled)
	certs := auth.NewCertSource(cfg.CertPath, cfg.KeyPath)

	settings := cfg.ToSettings()

	driver := auth.NewDriver(settings, store, certs, sink, nil, collector)

	if settings.TLSRequired != ftpserver.ClearOrEncrypted {
		if _, tlsErr := driver.GetTLSConfig(); tlsErr != nil {
			fmt.Fprintln(os.Stderr, "TLS material error:", tlsErr) //nolint:errcheck

			return exitTLSMaterial
		}
	}

	reg := registry.New()

	ctl := &serverController{driver: driver, registry: reg, metrics: collector, logger: sink}

	mgrListener, err := manager.NewListener(cfg.ManagerSocketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "manager socket error:", err) //nolint:errcheck

		return exitBindFailure
	}

	mgr := manager.New(mgrListener, ctl, sink, sink)

	stop := make(chan struct{})
	go sink.Run(stop)

	go func() {
		if serveErr := mgr.Serve(); serveErr != nil {
			sink.Error("manager serve stopped", serveErr)
		}
	}()

	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr, collector, sink)
	}

	srv, err := ctl.Start()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bind error:", err) //nolint:errcheck

		return exitBindFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	sink.Info("shutting down")

	close(stop)
	_ = mgr.Close()
	_ = srv.Stop(5 * time.Second)

	return exitOK
}

func serveMetrics(addr string, collector *metrics.Collector, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))

	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		logger.Error("metrics server stopped", err)
	}
}

// serverController implements manager.Controller by owning the
// MainDriver/registry pair needed to rebuild an *ftpserver.FtpServer on
// every START.
type serverController struct {
	driver   ftpserver.MainDriver
	registry *registry.Registry
	metrics  *metrics.Collector
	logger   log.Logger

	srv *ftpserver.FtpServer
}

func (c *serverController) Start() (*ftpserver.FtpServer, error) {
	srv := ftpserver.NewFtpServer(c.driver)
	srv.Logger = c.logger
	srv.SetRegistry(c.registry)
	srv.SetMetrics(c.metrics)

	if err := srv.Listen(); err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Serve()
	}()

	c.srv = srv
	c.logger.Info("server started", "addr", srv.Addr())

	return srv, nil
}

func (c *serverController) Stop(grace time.Duration) error {
	if c.srv == nil {
		return nil
	}

	err := c.srv.Stop(grace)
	c.srv = nil
	c.logger.Info("server stopped")

	return err
}

func (c *serverController) Kill() {
	if c.srv == nil {
		return
	}

	c.srv.Kill()
	c.srv = nil
	c.logger.Info("server terminated")
}
