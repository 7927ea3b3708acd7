// Command agentbus runs a standalone bus instance or dumps the status of a
// configured deployment. The bus itself is a library; this binary is the
// operational wrapper.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/acgs/agentbus/internal/bus"
	"github.com/acgs/agentbus/internal/config"
	"github.com/acgs/agentbus/internal/policy"
	"github.com/acgs/agentbus/internal/recovery"
	"github.com/acgs/agentbus/internal/registry"
	"github.com/acgs/agentbus/internal/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agentbus <command> [flags]

Commands:
  run      start a bus instance and block until SIGINT/SIGTERM
  status   print the metrics snapshot of a freshly constructed bus

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: environment)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "run":
		os.Exit(runBus(cfg))
	case "status":
		os.Exit(printStatus(cfg))
	default:
		usage()
		os.Exit(2)
	}
}

func loadConfig(path string) (config.BusConfig, error) {
	if path == "" {
		return config.FromEnv(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.BusConfig{}, err
	}
	return *cfg, nil
}

// buildBus assembles the bus from the configuration, wiring the Redis
// registry and transport when a Redis URL is configured.
func buildBus(cfg config.BusConfig) (*bus.Bus, error) {
	var opts []bus.Option

	if cfg.UseRedisRegistry && cfg.RedisURL != "" {
		redisRegistry, err := registry.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis registry: %w", err)
		}
		opts = append(opts, bus.WithRegistry(redisRegistry))
		opts = append(opts, bus.WithTransport(
			transport.NewRedisTransport(redisRegistry.Client(), "")))
	}
	evaluator := policy.NewOPAEvaluator()
	if err := evaluator.LoadPolicy(context.Background(),
		"agentbus/governance", policy.DefaultGovernancePolicy, "1.0.0"); err != nil {
		return nil, fmt.Errorf("load governance policy: %w", err)
	}
	opts = append(opts, bus.WithPolicyEngine(evaluator))

	return bus.New(cfg, opts...), nil
}

// runBus brings the bus up and blocks until a termination signal. A failed
// bring-up (Redis unreachable, bad policy) is handed to the recovery
// orchestrator, which retries with exponential backoff instead of exiting.
func runBus(cfg config.BusConfig) int {
	var (
		mu      sync.Mutex
		running *bus.Bus
	)
	bringUp := func(ctx context.Context) error {
		b, err := buildBus(cfg)
		if err != nil {
			return err
		}
		if err := b.Start(ctx); err != nil {
			return err
		}
		mu.Lock()
		running = b
		mu.Unlock()
		return nil
	}

	orch := recovery.NewOrchestrator()
	orch.Start()
	defer orch.Stop()

	if err := bringUp(context.Background()); err != nil {
		slog.Warn("bus bring-up failed, scheduling recovery", "error", err)
		orch.Schedule("bus", 0, recovery.StrategyExponential, recovery.DefaultPolicy(), bringUp)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	mu.Lock()
	b := running
	mu.Unlock()
	if b == nil {
		if state, ok := orch.TaskState("bus"); ok {
			slog.Error("bus never came up", "recovery_state", state)
		}
		return 1
	}
	if err := b.Stop(); err != nil {
		slog.Error("bus stop failed", "error", err)
		return 1
	}
	return 0
}

func printStatus(cfg config.BusConfig) int {
	b, err := buildBus(cfg)
	if err != nil {
		slog.Error("bus construction failed", "error", err)
		return 1
	}
	raw, err := json.MarshalIndent(b.GetMetrics(), "", "  ")
	if err != nil {
		slog.Error("metrics encode failed", "error", err)
		return 1
	}
	fmt.Println(string(raw))
	return 0
}
