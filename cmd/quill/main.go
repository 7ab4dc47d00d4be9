package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quill/internal/adapter/llm"
	"quill/internal/adapter/store"
	"quill/internal/adapter/tool"
	"quill/internal/domain"
	"quill/internal/infra/config"
	"quill/internal/infra/logger"
	"quill/internal/infra/tracer"
	"quill/internal/security"
	"quill/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "quill.yaml", "path to config file")
		model      = flag.String("model", "", "override the default model")
		convName   = flag.String("conversation", "default", "conversation name to resume")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.Agent.DefaultModel = *model
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	root := cfg.Sandbox.Root
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	sandbox, err := security.NewSandbox(root)
	if err != nil {
		return err
	}

	audit, err := security.NewFileAuditLogger(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer audit.Close()

	backend := tool.NewLocalFilesystemBackend()
	tools := tool.NewRegistry(log)
	for _, t := range []domain.Tool{
		tool.NewReadFileTool(backend, sandbox, audit, log),
		tool.NewListDirTool(backend, sandbox, log),
		tool.NewSearchFilesTool(sandbox, log),
		tool.NewWriteFileTool(backend, sandbox, log),
		tool.NewWebFetchTool(cfg.Tools.WebFetchPerMinute, log),
	} {
		if err := tools.Register(t); err != nil {
			return err
		}
	}

	providers := llm.NewRegistry()
	for _, pc := range cfg.Providers {
		var provider domain.LLMProvider
		switch pc.Type {
		case "anthropic":
			provider = llm.NewAnthropicProvider(pc, log)
		case "openai":
			provider = llm.NewOpenAIProvider(pc, log)
		default:
			return fmt.Errorf("unknown provider type %q", pc.Type)
		}
		provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{}, log)
		provider = llm.NewRetryProvider(provider, llm.DefaultRetryPolicy(), log)
		if err := providers.Register(provider); err != nil {
			return err
		}
	}

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	counter := usecase.NewTokenCounter()
	svc, err := usecase.NewChatService(usecase.ChatServiceDeps{
		Config:    cfg,
		Providers: providers,
		Tools:     tools,
		Store:     db,
		Audit:     audit,
		Logger:    log,
		Guard:     usecase.NewContextGuard(counter, 0, log),
	})
	if err != nil {
		return err
	}

	session := usecase.NewSession(*convName)
	if prior, err := db.Load(ctx, *convName); err == nil && len(prior) > 0 {
		session = usecase.ResumeSession(*convName, prior)
		fmt.Printf("resumed conversation %q (%d messages)\n", *convName, len(prior))
	}

	return repl(ctx, svc, session, cfg.Agent.DefaultModel)
}

// repl reads lines from stdin and streams each turn to stdout,
// prompting inline for tool approvals.
func repl(ctx context.Context, svc *usecase.ChatService, session *usecase.Session, model string) error {
	fmt.Printf("quill — chatting with %s (ctrl-d to quit)\n", model)
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if line == "/spend" {
			total, err := svc.LifetimeSpend(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("lifetime spend: $%.4f\n", total)
			continue
		}

		if err := runOneTurn(ctx, svc, session, line, scanner); err != nil {
			fmt.Printf("\nerror: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runOneTurn(ctx context.Context, svc *usecase.ChatService, session *usecase.Session, text string, scanner *bufio.Scanner) error {
	events, results := svc.Stream(ctx, session, text)

	for e := range events {
		switch e.Type {
		case domain.EventTextDelta:
			fmt.Print(e.Text)
		case domain.EventToolStart:
			fmt.Printf("\n[%s %s]\n", e.Tool.Name, e.Tool.Input)
		case domain.EventToolDone:
			if e.Tool.IsError {
				fmt.Printf("[%s failed: %s]\n", e.Tool.Name, e.Tool.Output)
			}
		case domain.EventWarning:
			fmt.Printf("\n! %s\n", e.Text)
		case domain.EventToolApprove:
			fmt.Printf("\nallow %s %s? [y/N] ", e.Approval.Name, e.Approval.Input)
			if scanner.Scan() && strings.EqualFold(strings.TrimSpace(scanner.Text()), "y") {
				e.Approval.Approve()
			} else {
				e.Approval.Deny()
			}
		}
	}

	result := <-results
	fmt.Println()
	if result.Err != nil {
		return result.Err
	}
	if result.Aborted {
		fmt.Println("(interrupted)")
	}
	if result.Usage.TotalTokens > 0 {
		fmt.Printf("[%d tokens, $%.4f, %d round(s)]\n",
			result.Usage.TotalTokens, result.Usage.Cost, result.Rounds)
	}
	return nil
}
