// Command hostd is the resolution daemon. It serves the hostdns resolver
// over a JSON API on a Unix domain socket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lc/hostd/internal/buildinfo"
	"github.com/lc/hostd/internal/config"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/pkg/api"
	"github.com/lc/hostd/pkg/hostdns"
)

func main() {
	// load config
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if os.Geteuid() != 0 {
		log.Warn("hostd: not running as root, latency probes fall back to unprivileged ICMP")
	}

	// build deps
	res := hostdns.New(cfg)
	if err := res.Init(); err != nil {
		log.Fatalf("init error: %v", err)
	}
	log.Infof("hostd: %s (%s) starting", buildinfo.Version, buildinfo.Commit)

	// start the api over unix socket
	apiSrv := api.New(res)
	sockPath := cfg.Socket.Path

	go func() {
		if err := apiSrv.ListenAndServe(sockPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api listen: %v", err)
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	log.Info("shutting down…")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("api shutdown error: %v", err)
	}
	if err := res.Close(); err != nil {
		log.Errorf("resolver close error: %v", err)
	}
}
