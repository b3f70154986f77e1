// Command orchestrator drives one autonomous multi-agent development run
// against a workspace directory: plans a task graph from a goal, executes
// tasks under guardrails, and streams progress events to stdout as SSE
// lines, matching the teacher's cmd/tarsy/main.go sequencing (flag parsing,
// .env loading, typed config, sequential fail-fast service construction).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"

	"github.com/maratos-ai/orchestrator/pkg/approval"
	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/eventstream"
	"github.com/maratos-ai/orchestrator/pkg/gitsubsystem"
	"github.com/maratos-ai/orchestrator/pkg/llmclient"
	"github.com/maratos-ai/orchestrator/pkg/orchestrator"
	"github.com/maratos-ai/orchestrator/pkg/pathsec"
	"github.com/maratos-ai/orchestrator/pkg/policy"
	"github.com/maratos-ai/orchestrator/pkg/recovery"
	"github.com/maratos-ai/orchestrator/pkg/store"
	"github.com/maratos-ai/orchestrator/pkg/tool"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// rolePrompts are the per-agent-role system prompts handed to each
// llmclient.Client, matching original_source's per-role prompt templates
// (planner decomposes, coder implements, reviewer/tester gate, deployer and
// documenter handle their named quality gates).
var rolePrompts = map[string]string{
	"planner":    "You are the planning agent. Decompose the stated goal into an ordered list of tasks, each with a title, description, target files, an agent_type, and any quality_gates. Respond with a JSON array only.",
	"coder":      "You are the coding agent. Implement the assigned task against the workspace, using tool calls to read and write files as needed.",
	"reviewer":   "You are the review agent. Evaluate the implementation and respond with APPROVED or CHANGES_REQUESTED plus specific feedback.",
	"tester":     "You are the testing agent. Run the relevant tests and report pass/fail with details on any failures.",
	"deployer":   "You are the deployment agent. Verify the project builds and reports any build errors.",
	"documenter": "You are the documentation agent. Keep README and inline docs in sync with the implementation.",
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "."), "Directory containing the .env file")
	goal := flag.String("goal", "", "Natural-language goal describing the work to perform")
	workspace := flag.String("workspace", "", "Path to the git workspace the run operates on")
	flag.Parse()

	envPath := *configDir + "/.env"
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with process environment", "path", envPath, "err", err)
	} else {
		slog.Info("loaded environment", "path", envPath)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *goal == "" || *workspace == "" {
		logger.Error("both --goal and --workspace are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		logger.Error("ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}

	dbClient, err := store.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to persistence layer", "err", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("connected to postgres", "host", cfg.Database.Host, "database", cfg.Database.Database)

	runs := store.NewRunRepository(dbClient)
	snapshots := store.NewTaskSnapshotRepository(dbClient)
	attempts := store.NewAttemptRepository(dbClient)

	agents, err := buildAgents(cfg)
	if err != nil {
		logger.Error("failed to build agent registry", "err", err)
		os.Exit(1)
	}
	logger.Info("agent registry ready", "roles", len(agents))

	audit := pathsec.NewAuditSink(logger)
	deps := &orchestrator.Deps{
		Config:    cfg,
		Agents:    agents,
		Tools:     tool.NewRegistry(),
		Policies:  policy.NewRegistry(*workspace, cfg.Budget),
		Approval:  approval.NewManager(),
		Audit:     audit,
		Paths:     pathsec.NewValidator(append([]string{*workspace}, cfg.AllowedWriteDirs...), *workspace, cfg.MaxSymlinkDepth, audit),
		Git:       gitsubsystem.New(*workspace),
		Forge:     gitsubsystem.NoopForgeClient{},
		Recovery:  recovery.DefaultPolicy(),
		Logger:    logger,
		Runs:      runs,
		Snapshots: snapshots,
		Attempts:  attempts,
	}
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()
	sink := eventstream.SinkFunc(func(e eventstream.Event) {
		if err := eventstream.WriteSSE(writer, e); err != nil {
			logger.Error("failed to write event", "err", err)
			return
		}
		writer.Flush()
	})

	run := orchestrator.NewRun(deps, *goal, *workspace, cfg.Run, sink)

	go func() {
		<-ctx.Done()
		logger.Info("received shutdown signal, cancelling run")
		run.Cancel()
	}()

	logger.Info("starting run", "goal", *goal, "workspace", *workspace)
	if err := run.Start(ctx); err != nil {
		logger.Error("run failed", "err", err)
		eventstream.WriteDone(writer)
		writer.Flush()
		os.Exit(1)
	}
	eventstream.WriteDone(writer)
	writer.Flush()
	logger.Info("run finished", "branch", run.BranchName, "pr_url", run.PRURL)
}

// buildAgents constructs one llmclient.Client per named role, sharing a
// single underlying Anthropic SDK client's Messages service the way
// goa-ai's client.go reuses one transport across call sites, varying only
// the per-role Options.SystemPrompt and model tier.
func buildAgents(cfg *config.Config) (orchestrator.AgentRegistry, error) {
	sdkClient := sdk.NewClient(option.WithAPIKey(cfg.LLM.APIKey))

	models := map[string]string{
		"planner":    cfg.LLM.HighModel,
		"coder":      cfg.LLM.DefaultModel,
		"reviewer":   cfg.LLM.DefaultModel,
		"tester":     cfg.LLM.DefaultModel,
		"deployer":   cfg.LLM.SmallModel,
		"documenter": cfg.LLM.SmallModel,
	}

	registry := orchestrator.AgentRegistry{}
	for role, prompt := range rolePrompts {
		model := models[role]
		if model == "" {
			model = cfg.LLM.DefaultModel
		}
		client, err := llmclient.New(role, &sdkClient.Messages, llmclient.Options{
			DefaultModel: model,
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
			SystemPrompt: prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s agent: %w", role, err)
		}
		registry[role] = client
	}
	return registry, nil
}
