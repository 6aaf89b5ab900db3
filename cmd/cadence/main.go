package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mkohler/cadence/acp"
	"github.com/mkohler/cadence/agent"
	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/llm"
	"github.com/mkohler/cadence/lsp"
	"github.com/mkohler/cadence/mcp"
	"github.com/mkohler/cadence/session"
	"github.com/mkohler/cadence/terminal"
	"github.com/mkohler/cadence/tools"
)

func main() {
	modeFlag := flag.String("m", "", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	verbosityFlag := flag.String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flag.Bool("acp", false, "Serve the Agent Client Protocol on stdio")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	var sess *session.Session
	sessionName := *sessionFlag

	if *resumeFlag != "" {
		sessionName = *resumeFlag
		sess, err = session.Load(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		fmt.Printf("Resuming session: %s\n", sessionName)
		// Flags not given explicitly fall back to what the session used.
		if *modeFlag == "" && sess.Mode != "" {
			*modeFlag = sess.Mode
		}
		if *toolsetFlag == "" && sess.Toolset != "" {
			*toolsetFlag = sess.Toolset
		}
	} else {
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		fmt.Printf("Starting new session: %s\n", sessionName)
	}

	if *modeFlag == "" {
		*modeFlag = "prompt"
	}
	if *toolsetFlag == "" {
		*toolsetFlag = "default"
	}
	if *verbosityFlag == "" {
		*verbosityFlag = "none"
	}

	sess.Mode = *modeFlag
	sess.Toolset = *toolsetFlag
	if err := sess.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving session '%s': %+v\n", sessionName, err)
		os.Exit(1)
	}

	var opMode agent.Mode
	switch *modeFlag {
	case "auto":
		opMode = agent.ModeAuto
	case "prompt":
		opMode = agent.ModePrompt
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode '%s'. Must be 'auto' or 'prompt'.\n", *modeFlag)
		os.Exit(1)
	}

	var verbosity terminal.Verbosity
	switch *verbosityFlag {
	case "none":
		verbosity = terminal.VerbosityNone
	case "info":
		verbosity = terminal.VerbosityInfo
	case "all":
		verbosity = terminal.VerbosityAll
	default:
		fmt.Fprintf(os.Stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *verbosityFlag)
		os.Exit(1)
	}

	ctx := context.Background()

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}

	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving working directory: %+v\n", err)
		os.Exit(1)
	}
	registry := tools.NewRegistry(cfg, root)

	if len(sess.Messages) == 0 {
		if prompt := agent.SystemPrompt(cfg, root); prompt != "" {
			sess.AddMessage(session.Message{Role: "system", Content: prompt})
		}
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second

	stopServers := startToolServers(ctx, cfg, registry, timeout)
	defer stopServers()

	stopLanguageServers := startLanguageServers(ctx, cfg, registry, root, timeout)
	defer stopLanguageServers()

	engine, err := agent.New(cfg, sess, client, registry, *toolsetFlag, opMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}

	if *acpFlag {
		in := bufio.NewReader(os.Stdin)
		out := bufio.NewWriter(os.Stdout)
		if err := acp.Run(ctx, engine, in, out, *traceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "ACP mode failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	initialPrompt := strings.Join(flag.Args(), " ")
	fmt.Println("Cadence is ready. Type your prompt.")
	term := terminal.New(engine, verbosity)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLMClient {
	case "gemini":
		return llm.NewGeminiLLMClient(ctx, cfg.Model)
	case "openai":
		return llm.NewOpenAILLMClient(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockLLMClient(ctx, cfg.Model)
	case "anthropic", "":
		return llm.NewAnthropicLLMClient(ctx, cfg.Model)
	}
	return nil, fmt.Errorf("unknown LLM client '%s'", cfg.LLMClient)
}

// startToolServers spawns every configured tool server, registers its tools
// and returns a function that tears them all down.
func startToolServers(ctx context.Context, cfg *config.Config, registry *tools.Registry, timeout time.Duration) func() {
	var clients []*mcp.Client
	for _, serverCfg := range cfg.MCPServers {
		client, err := mcp.Dial(serverCfg, timeout)
		if err != nil {
			log.Printf("Warning: tool server '%s' failed to start: %v", serverCfg.Name, err)
			continue
		}
		if _, err := client.Initialize(ctx); err != nil {
			log.Printf("Warning: tool server '%s' failed to initialize: %v", serverCfg.Name, err)
			_ = client.Stop()
			continue
		}
		serverTools, err := client.Tools(ctx)
		if err != nil {
			log.Printf("Warning: could not list tools from '%s': %v", serverCfg.Name, err)
			_ = client.Stop()
			continue
		}
		for _, t := range serverTools {
			registry.Register(t)
			if t.ReadOnly() {
				registry.MarkReadOnly(t.Name())
			}
		}
		clients = append(clients, client)
	}
	return func() {
		for _, client := range clients {
			if err := client.Stop(); err != nil {
				log.Printf("Warning: tool server '%s' did not stop cleanly: %v", client.Name(), err)
			}
		}
	}
}

// startLanguageServers spawns every configured language server and registers
// definition/hover tools backed by it.
func startLanguageServers(ctx context.Context, cfg *config.Config, registry *tools.Registry, root string, timeout time.Duration) func() {
	var clients []*lsp.Client
	rootURI := "file://" + root
	for _, serverCfg := range cfg.LSPServers {
		client, err := lsp.Dial(serverCfg, timeout)
		if err != nil {
			log.Printf("Warning: language server '%s' failed to start: %v", serverCfg.Name, err)
			continue
		}
		if err := client.Initialize(ctx, rootURI); err != nil {
			log.Printf("Warning: language server '%s' failed to initialize: %v", serverCfg.Name, err)
			continue
		}
		for _, t := range []tools.Tool{&lsp.DefinitionTool{Client: client}, &lsp.HoverTool{Client: client}} {
			registry.Register(t)
			registry.MarkReadOnly(t.Name())
		}
		clients = append(clients, client)
	}
	return func() {
		for _, client := range clients {
			if err := client.Shutdown(ctx); err != nil {
				log.Printf("Warning: language server '%s' did not stop cleanly: %v", client.Name(), err)
			}
		}
	}
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "cadence"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
