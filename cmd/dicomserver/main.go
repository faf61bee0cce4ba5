// Command dicomserver exposes the conversion pipeline over HTTP and
// websockets.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/unixpickle/essentials"

	"github.com/Jengaup/dicom-converter/internal/logging"
	"github.com/Jengaup/dicom-converter/internal/server"
	"github.com/Jengaup/dicom-converter/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "YAML or TOML configuration file, reloaded on change")
	addr := flag.String("addr", "", "Listen address (overrides the configuration)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		essentials.Must(err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, "dicomserver")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger)
	if *configPath != "" {
		go func() {
			if err := srv.WatchConfig(ctx, *configPath); err != nil {
				logger.Error("config watcher stopped", "err", err)
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		logger.Fatal("server failed", "err", err)
	}
}
