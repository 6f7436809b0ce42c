package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mpc-pilot/bridge"
	"mpc-pilot/mpc"
	"mpc-pilot/utils"
)

func main() {
	var (
		addr       = flag.String("addr", ":4567", "Websocket listen address for the simulator")
		configPath = flag.String("config", "", "Optional tuning JSON file")
		weightsArg = flag.String("weights", "", "Comma-separated cost weight overrides, in order: cte,epsi,speed,steer,throttle,steer_rate,throttle_rate")
		canIface   = flag.String("can", "", "Optional SocketCAN interface for the drive-by-wire mirror (e.g. vcan0)")
		delay      = flag.Duration("actuation-delay", 100*time.Millisecond, "Artificial actuator latency before each reply")
		logLevel   = flag.String("log", "info", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	log, err := utils.NewFileLogger("mpcd.log", utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open mpcd.log: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg := mpc.DefaultConfig()
	if *configPath != "" {
		cfg, err = mpc.LoadConfig(*configPath)
		if err != nil {
			log.Critical("Load config: %v", err)
			os.Exit(1)
		}
	}
	if *weightsArg != "" {
		vals, err := parseWeights(*weightsArg)
		if err != nil {
			log.Critical("Parse weights: %v", err)
			os.Exit(1)
		}
		cfg.Weights, err = cfg.Weights.ApplyOverride(vals)
		if err != nil {
			log.Critical("Apply weights: %v", err)
			os.Exit(1)
		}
	}
	log.Info("Cost weights: %v", cfg.Weights.List())
	log.Info("Reference speed: %.1f, solve budget: %dms", cfg.RefSpeed, cfg.SolveBudgetMS)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := bridge.NewServer(ctx, bridge.Config{
		Addr:           *addr,
		ActuationDelay: *delay,
		CANInterface:   *canIface,
		Controller:     cfg,
	}, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Serve failed: %v", err)
		os.Exit(1)
	}
}

func parseWeights(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	vals := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %d: %w", i, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
