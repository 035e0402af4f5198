package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/palisade/internal/config"
	"grimm.is/palisade/internal/ctl"
	"grimm.is/palisade/internal/driver"
	"grimm.is/palisade/internal/logging"
	"grimm.is/palisade/internal/policy"
	"grimm.is/palisade/internal/store"
)

// RunStart runs the policy daemon in the foreground until SIGINT or
// SIGTERM.
func RunStart(configFile, metricsAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no configuration at %s (run 'palisade init-config' first)", configFile)
		}
		return err
	}

	logging.SetDefault(logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		Output: os.Stderr,
	}))
	log := logging.WithComponent("daemon")

	for _, dir := range []string{filepath.Dir(cfg.DBPath), filepath.Dir(cfg.SocketPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(store.Options{Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer st.Close()

	drv, err := openDriver(cfg.Driver)
	if err != nil {
		return err
	}
	defer drv.Close()

	svc, err := policy.NewService(st, drv, cfg.Conf(), policy.Options{
		NameLookup: displayName,
		OnAlerted: func() {
			log.Info("new unknown application awaiting review")
		},
	})
	if err != nil {
		return err
	}
	defer svc.Stop()

	if err := svc.Start(cfg.PurgeOnStart); err != nil {
		return fmt.Errorf("start policy service: %w", err)
	}

	srv, err := ctl.NewServer(svc)
	if err != nil {
		return err
	}
	if err := srv.Start(cfg.SocketPath); err != nil {
		return err
	}
	defer srv.Stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics listener failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", metricsAddr)
	}

	log.Info("palisade started",
		"db", cfg.DBPath,
		"socket", cfg.SocketPath,
		"driver", cfg.Driver.Mode,
		"groups", len(cfg.Groups))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

func openDriver(dc *config.DriverConfig) (driver.Client, error) {
	switch dc.Mode {
	case "loopback":
		return driver.NewLoopback(), nil
	default:
		path := dc.DevicePath
		if path == "" {
			path = driver.DefaultDevicePath
		}
		return driver.OpenDevice(path)
	}
}

func parseLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// displayName derives a human-readable name from an executable path.
func displayName(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
