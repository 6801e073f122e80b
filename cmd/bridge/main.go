// Command bridge receives raw instrument records over UDP, calibrates them and
// rebroadcasts NMEA-style sentences. An HTTP API starts and stops the
// per-sensor listeners and edits the calibration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sensor.bridge/internal/api"
	"github.com/banshee-data/sensor.bridge/internal/calibration"
	"github.com/banshee-data/sensor.bridge/internal/config"
	"github.com/banshee-data/sensor.bridge/internal/fsutil"
	"github.com/banshee-data/sensor.bridge/internal/metrics"
	"github.com/banshee-data/sensor.bridge/internal/network"
	"github.com/banshee-data/sensor.bridge/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to bridge config JSON (optional)")
	calFile      = flag.String("calibration", "", "Calibration file; overrides calibration_file in -config")
	listen       = flag.String("listen", ":8080", "HTTP API listen address; empty disables the API")
	sensors      = flag.String("sensors", "", "Comma-separated sensors to start at boot (default: all)")
	autostart    = flag.Bool("autostart", true, "Start listeners at boot")
	replayFile   = flag.String("replay", "", "Replay a pcap/pcapng file through one sensor's pipeline and exit")
	replaySensor = flag.String("replay-sensor", "", "Sensor type used with -replay")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// splitSensors parses the -sensors flag.
func splitSensors(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadConfig() (*config.BridgeConfig, error) {
	cfg := &config.BridgeConfig{}
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if *calFile != "" {
		cfg.CalibrationFile = calFile
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store := calibration.NewStore(cfg.GetCalibrationFile(), fsutil.OSFileSystem{})
	registry := calibration.DefaultRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *replayFile != "" {
		if err := runReplay(ctx, cfg, deps{store: store, registry: registry}); err != nil {
			log.Fatalf("replay failed: %v", err)
		}
		return
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	b, err := newBridge(cfg, deps{store: store, registry: registry, metrics: collector})
	if err != nil {
		log.Fatalf("failed to configure bridge: %v", err)
	}
	log.Printf("sensor bridge %s, calibration file %s", version.String(), store.Path())

	if *autostart {
		if err := startSensors(b, splitSensors(*sensors)); err != nil {
			log.Printf("some listeners failed to start: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if *listen != "" {
		g.Go(func() error {
			return serveHTTP(gctx, *listen, api.NewServer(b.manager, store, registry, promhttp.Handler()))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Print("shutting down listeners...")
		return b.close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("bridge exited with error: %v", err)
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

// startSensors starts the named sensors, or every sensor when names is empty.
func startSensors(b *bridge, names []string) error {
	if len(names) == 0 {
		return b.manager.StartAll()
	}
	var errs []error
	for _, name := range names {
		if err := b.manager.Start(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func serveHTTP(ctx context.Context, addr string, srv *api.Server) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           api.LoggingMiddleware(srv.ServeMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("HTTP API listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

// runReplay pushes the capture's payloads for one sensor through the same
// per-packet path live traffic takes, broadcasting the results.
func runReplay(ctx context.Context, cfg *config.BridgeConfig, d deps) error {
	if *replaySensor == "" {
		return errors.New("-replay requires -replay-sensor")
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	ep, ok := endpoints[*replaySensor]
	if !ok {
		return fmt.Errorf("unknown sensor %q", *replaySensor)
	}

	bc := network.NewBroadcaster(network.BroadcasterConfig{Address: ep.BroadcastAddr})
	defer bc.Close()

	listener := network.NewListener(listenerConfig(cfg, ep, d, bc))
	stats, err := network.ReplayPCAPFile(ctx, *replayFile, ep.ListenPort, listener)
	if err != nil {
		return err
	}
	log.Printf("replayed %d/%d packets for %s in %v, %d discarded",
		stats.Matched, stats.Packets, ep.Sensor, stats.Elapsed, stats.Discarded)
	listener.Stats().LogStats(log.Printf)
	return nil
}
