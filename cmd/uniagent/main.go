// Command uniagent runs the capability orchestrator, either serving the HTTP
// API or executing a single task from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toryoto/uniagent-go/config"
	"github.com/toryoto/uniagent-go/discovery"
	"github.com/toryoto/uniagent-go/httpapi"
	"github.com/toryoto/uniagent-go/llm"
	"github.com/toryoto/uniagent-go/logger"
	"github.com/toryoto/uniagent-go/orchestrator"
	"github.com/toryoto/uniagent-go/payment"
	"github.com/toryoto/uniagent-go/registry"
	"github.com/toryoto/uniagent-go/signer"
	"github.com/toryoto/uniagent-go/signer/delegated"
	"github.com/toryoto/uniagent-go/signer/local"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "uniagent: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("uniagent", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file (env-only when empty)")
	task := flags.String("task", "", "run a single task and print the result instead of serving")
	budget := flags.String("budget", "", "budget for -task, overriding the configured default")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.FromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewZap(cfg.LogLevel)

	runner, err := buildRunner(ctx, cfg, log)
	if err != nil {
		return err
	}

	if *task != "" {
		return runOnce(ctx, runner, cfg, *task, *budget)
	}
	return serve(ctx, runner, cfg, log)
}

func buildRunner(ctx context.Context, cfg *config.Config, log logger.Logger) (*orchestrator.Runner, error) {
	paySigner, err := buildSigner(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("payment signer ready", map[string]any{
		"mode": cfg.Signer.Mode, "address": paySigner.Address(),
	})

	registryClient, err := registry.NewClient(ctx, cfg.Registry.RPCURL, cfg.Registry.ContractAddress,
		registry.WithLogger(log))
	if err != nil {
		return nil, err
	}

	planner, err := llm.NewOpenAIPlanner(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return nil, err
	}

	fraction, err := cfg.SafetyFraction()
	if err != nil {
		return nil, err
	}

	return orchestrator.NewRunner(
		planner,
		discovery.NewService(registryClient, discovery.WithLogger(log)),
		payment.NewClient(paySigner, payment.WithLogger(log)),
		orchestrator.WithSafetyFraction(fraction),
		orchestrator.WithLogger(log),
	), nil
}

func buildSigner(ctx context.Context, cfg *config.Config, log logger.Logger) (signer.TypedDataSigner, error) {
	switch cfg.Signer.Mode {
	case "local":
		if cfg.Signer.Local.PrivateKey != "" {
			return local.New(cfg.Signer.Local.PrivateKey)
		}
		return local.NewFromMnemonic(cfg.Signer.Local.Mnemonic, cfg.Signer.Local.AccountIndex)
	case "delegated":
		return delegated.NewSigner(ctx, cfg.Signer.Delegated.WalletID,
			delegated.WithServiceURL(cfg.Signer.Delegated.ServiceURL),
			delegated.WithCredentials(cfg.Signer.Delegated.KeyID, cfg.Signer.Delegated.KeySecret),
			delegated.WithLogger(log),
		)
	default:
		return nil, fmt.Errorf("unknown signer mode %q", cfg.Signer.Mode)
	}
}

func runOnce(ctx context.Context, runner *orchestrator.Runner, cfg *config.Config, task, budget string) error {
	maxBudget, err := cfg.DefaultMaxBudget()
	if err != nil {
		return err
	}
	if budget != "" {
		maxBudget, err = decimal.NewFromString(budget)
		if err != nil {
			return fmt.Errorf("invalid -budget %q: %w", budget, err)
		}
	}

	result, runErr := runner.Run(ctx, orchestrator.TaskRequest{Task: task, MaxBudget: maxBudget})
	if result != nil {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
	}
	return runErr
}

func serve(ctx context.Context, runner *orchestrator.Runner, cfg *config.Config, log logger.Logger) error {
	api := httpapi.NewServer(runner, httpapi.WithLogger(log))
	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", map[string]any{"address": cfg.Server.Address})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
