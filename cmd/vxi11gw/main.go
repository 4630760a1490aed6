package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vxi11gw/vxi11gw/internal/adminapi"
	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/portmapper"
	"github.com/vxi11gw/vxi11gw/internal/resource"
	"github.com/vxi11gw/vxi11gw/internal/vxi11"
)

// Process exit codes.
const (
	exitOK         = 0
	exitConfig     = 2
	exitBind       = 3
	exitPortmapper = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "gateway.yaml", "path to the YAML configuration file")
		listenAddr = flag.String("listen", "", "override server.host:server.port from the configuration")
		pmapAddr   = flag.String("portmapper-addr", ":111", "portmapper listen address")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	store, err := config.NewStore(*configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return exitConfig
	}
	cfg := store.Current()

	addr := *listenAddr
	if addr == "" {
		addr = net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := resource.New()
	engine := vxi11.NewEngine(store, res, 0, logger)
	server := vxi11.NewServer(engine, logger)
	if err := server.Listen(addr); err != nil {
		logger.Error("vxi11 listener bind failed", "addr", addr, "error", err)
		return exitBind
	}
	defer server.Close()

	if cfg.Server.PortmapperEnabled {
		pmap := portmapper.New(logger)
		pmap.Register(vxi11.ProgramDeviceCore, uint32(server.Port()))
		pmap.Register(vxi11.ProgramDeviceAsync, uint32(server.Port()))
		// DEVICE_INTR stays unregistered: GETPORT for it answers 0.
		if err := pmap.Start(ctx, *pmapAddr); err != nil {
			if errors.Is(err, os.ErrPermission) {
				// Binding 111 needs privilege; the gateway stays usable
				// for clients that already know the port.
				logger.Warn("portmapper disabled: insufficient privilege", "error", err)
			} else {
				logger.Error("portmapper start failed", "error", err)
				return exitPortmapper
			}
		} else {
			defer pmap.Stop()
		}
	}

	if cfg.Server.GUI.Enabled {
		guiAddr := net.JoinHostPort(cfg.Server.GUI.Host, fmt.Sprint(cfg.Server.GUI.Port))
		api := &http.Server{Addr: guiAddr, Handler: adminapi.New(store, engine, logger)}
		go func() {
			logger.Info("management api listening", "addr", guiAddr)
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("management api failed", "error", err)
			}
		}()
		defer api.Close()
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.Serve(ctx); err != nil {
		logger.Error("server error", "error", err)
		return exitBind
	}
	logger.Info("shutdown complete")
	return exitOK
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
