package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/agent"
	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/channels"
	"github.com/wubox3/microclaw/pkg/config"
	"github.com/wubox3/microclaw/pkg/cron"
	"github.com/wubox3/microclaw/pkg/logx"
	"github.com/wubox3/microclaw/pkg/providers"
	"github.com/wubox3/microclaw/pkg/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "agent":
		runAgent(os.Args[2:])
	case "cron":
		runCron(os.Args[2:])
	case "onboard":
		runOnboard()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: microclaw <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  agent [-m message] [-c config]   run the agent (server mode without -m)")
	fmt.Println("  cron <subcommand> [-c config]    manage scheduled jobs")
	fmt.Println("    status | list [--all] | add <json|-> | update <id> <json|-> |")
	fmt.Println("    remove <id> | run <id> | runs <id> [limit] | project [days] |")
	fmt.Println("    wake [--now] [text]")
	fmt.Println("  onboard                          create the default config and workspace")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// appRuntime bundles the wired components of a full agent process.
type appRuntime struct {
	cfg      *config.Config
	log      zerolog.Logger
	bus      *bus.MessageBus
	sessions *session.Manager
	executor *agent.Executor
	service  *cron.Service
	loop     *agent.AgentLoop
}

// buildRuntime wires the bus, sessions, provider, scheduler and agent
// loop together. logToFile adds the rotating workspace log file.
func buildRuntime(configPath string, logToFile bool) (*appRuntime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	workspace := expandPath(cfg.Agents.Defaults.Workspace)
	if logToFile && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(workspace, "logs", "microclaw.log")
	}
	log := logx.New(cfg.Log)

	provider, err := providers.NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w (run 'microclaw onboard' or edit the config)", err)
	}

	messageBus := bus.NewMessageBus(log)
	sessions := session.NewManager(workspace, log)
	contextBuilder := agent.NewContextBuilder(workspace)

	executor := agent.NewExecutor(
		messageBus, provider, sessions, contextBuilder, nil,
		cfg.Agents.Defaults.Model, cfg.Agents.Defaults.MaxToolIterations, log,
	)

	service := cron.NewService(cron.Options{
		StorePath:       cfg.CronStorePath(workspace),
		RunLogDir:       cfg.CronRunLogDir(workspace),
		PollFloor:       time.Duration(cfg.Cron.PollSeconds) * time.Second,
		HorizonDays:     cfg.Cron.HorizonDays,
		RunLogMaxBytes:  cfg.Cron.RunLogMaxBytes,
		RunLogKeepLines: cfg.Cron.RunLogKeepLines,
	}, executor, executor, log)

	loop := agent.NewAgentLoop(messageBus, provider, sessions, cfg, service, log)
	// Isolated job turns get the same tools as the main loop.
	executor.Tools = loop.Tools

	return &appRuntime{
		cfg:      cfg,
		log:      log,
		bus:      messageBus,
		sessions: sessions,
		executor: executor,
		service:  service,
		loop:     loop,
	}, nil
}

func (rt *appRuntime) startChannels() {
	chans := []channels.Channel{
		channels.NewTelegramChannel(&rt.cfg.Channels.Telegram, rt.bus, rt.log),
		channels.NewDingTalkChannel(&rt.cfg.Channels.DingTalk, rt.bus, rt.log),
		channels.NewFeishuChannel(&rt.cfg.Channels.Feishu, rt.bus, rt.log),
	}
	for _, ch := range chans {
		ch := ch
		if err := ch.Start(); err != nil {
			rt.log.Error().Err(err).Str("channel", ch.Name()).Msg("channel failed to start")
			continue
		}
		rt.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
			if err := ch.Send(msg); err != nil {
				rt.log.Error().Err(err).Str("channel", ch.Name()).Msg("send failed")
			}
		})
	}
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	message := fs.String("m", "", "Message to send (one-shot mode)")
	configPath := fs.String("c", "", "Path to config file")
	fs.Parse(args)

	rt, err := buildRuntime(*configPath, *message == "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rt.startChannels()
	rt.service.Start()
	defer rt.service.Stop()

	go rt.bus.DispatchOutbound()
	go rt.loop.Run()

	if *message != "" {
		done := make(chan struct{})
		rt.bus.SubscribeOutbound("cli", func(msg bus.OutboundMessage) {
			if msg.Stream != nil {
				for chunk := range msg.Stream {
					fmt.Print(chunk)
				}
				fmt.Println()
			} else {
				fmt.Println(msg.Content)
			}
			close(done)
		})

		rt.bus.PublishInbound(bus.InboundMessage{
			Channel:  "cli",
			SenderID: "user",
			ChatID:   "direct",
			Content:  *message,
		})

		<-done
		rt.loop.Stop()
		return
	}

	fmt.Println("Agent running. Press Ctrl+C to stop.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	rt.loop.Stop()
	rt.bus.Stop()
}

// offlineExecutor backs store-only cron commands; anything that would
// need the agent reports so.
type offlineExecutor struct{}

func (offlineExecutor) SystemEvent(ctx context.Context, text string) error {
	return fmt.Errorf("agent is not running in this process")
}

func (offlineExecutor) AgentTurn(ctx context.Context, req cron.AgentTurnRequest) (cron.TurnResult, error) {
	return cron.TurnResult{}, fmt.Errorf("agent is not running in this process")
}

func (offlineExecutor) Announce(ctx context.Context, plan cron.DeliveryPlan, text string) error {
	return fmt.Errorf("agent is not running in this process")
}

// offlineService opens the job store without an agent behind it, for
// commands that only read or edit job definitions. A running agent
// picks edits up on its next poll.
func offlineService(configPath string) (*cron.Service, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	workspace := expandPath(cfg.Agents.Defaults.Workspace)
	log := logx.New(cfg.Log)

	return cron.NewService(cron.Options{
		StorePath:       cfg.CronStorePath(workspace),
		RunLogDir:       cfg.CronRunLogDir(workspace),
		HorizonDays:     cfg.Cron.HorizonDays,
		RunLogMaxBytes:  cfg.Cron.RunLogMaxBytes,
		RunLogKeepLines: cfg.Cron.RunLogKeepLines,
	}, offlineExecutor{}, offlineExecutor{}, log), nil
}

func runCron(args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("cron "+sub, flag.ExitOnError)
	configPath := fs.String("c", "", "Path to config file")
	all := fs.Bool("all", false, "Include disabled jobs (list)")
	now := fs.Bool("now", false, "Kick the scheduler immediately (wake)")
	fs.Parse(args[1:])
	rest := fs.Args()

	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch sub {
	case "status", "list", "add", "update", "remove", "runs", "project":
		svc, err := offlineService(*configPath)
		if err != nil {
			fail(err)
		}
		if err := runStoreCommand(svc, sub, rest, *all); err != nil {
			fail(err)
		}

	case "run":
		if len(rest) < 1 {
			fail(fmt.Errorf("usage: cron run <id>"))
		}
		if err := runJobNow(*configPath, rest[0]); err != nil {
			fail(err)
		}

	case "wake":
		text := strings.Join(rest, " ")
		if err := wakeAgent(*configPath, text, *now); err != nil {
			fail(err)
		}

	default:
		fmt.Printf("Unknown cron subcommand: %s\n", sub)
		usage()
		os.Exit(1)
	}
}

func runStoreCommand(svc *cron.Service, sub string, rest []string, includeDisabled bool) error {
	switch sub {
	case "status":
		return printJSON(svc.Status())

	case "list":
		jobs := svc.List(includeDisabled)
		if len(jobs) == 0 {
			fmt.Println("No scheduled jobs.")
			return nil
		}
		return printJSON(jobs)

	case "add":
		if len(rest) < 1 {
			return fmt.Errorf("usage: cron add <json|->")
		}
		raw, err := readJSONArg(rest[0])
		if err != nil {
			return err
		}
		spec, err := cron.ParseJobSpec(raw)
		if err != nil {
			return err
		}
		job, err := svc.Add(spec)
		if err != nil {
			return err
		}
		fmt.Printf("Created job %s\n", job.ID)
		return printJSON(job)

	case "update":
		if len(rest) < 2 {
			return fmt.Errorf("usage: cron update <id> <json|->")
		}
		raw, err := readJSONArg(rest[1])
		if err != nil {
			return err
		}
		patch, err := cron.ParseJobPatch(raw)
		if err != nil {
			return err
		}
		job, err := svc.Update(rest[0], patch)
		if err != nil {
			return err
		}
		return printJSON(job)

	case "remove":
		if len(rest) < 1 {
			return fmt.Errorf("usage: cron remove <id>")
		}
		if err := svc.Remove(rest[0]); err != nil {
			return err
		}
		fmt.Printf("Removed job %s\n", rest[0])
		return nil

	case "runs":
		if len(rest) < 1 {
			return fmt.Errorf("usage: cron runs <id> [limit]")
		}
		limit := 0
		if len(rest) > 1 {
			fmt.Sscanf(rest[1], "%d", &limit)
		}
		entries, err := svc.Runs(rest[0], limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		return printJSON(entries)

	case "project":
		days := 0
		if len(rest) > 0 {
			fmt.Sscanf(rest[0], "%d", &days)
		}
		runs := svc.ProjectRuns(days)
		if len(runs) == 0 {
			fmt.Println("No upcoming runs in the horizon.")
			return nil
		}
		return printJSON(runs)
	}
	return fmt.Errorf("unknown subcommand: %s", sub)
}

// runJobNow forces a job to run with the full agent stack wired in and
// waits for the outcome.
func runJobNow(configPath, jobID string) error {
	rt, err := buildRuntime(configPath, false)
	if err != nil {
		return err
	}
	go rt.bus.DispatchOutbound()
	go rt.loop.Run()
	defer rt.loop.Stop()
	subscribePrinters(rt.bus)

	start := time.Now().UnixMilli()
	if err := rt.service.RunNow(jobID); err != nil {
		return err
	}
	fmt.Printf("Running job %s...\n", jobID)

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
		job, err := rt.service.Get(jobID)
		if err != nil {
			// deleteAfterRun jobs disappear on success.
			fmt.Println("Job finished and was removed.")
			return nil
		}
		if job.State.RunningAtMs == nil && job.State.LastRunAtMs != nil && *job.State.LastRunAtMs >= start {
			fmt.Printf("Job finished with status %s\n", job.State.LastStatus)
			if entries, err := rt.service.Runs(jobID, 1); err == nil && len(entries) > 0 {
				return printJSON(entries[0])
			}
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for job %s", jobID)
}

// wakeAgent injects a wake-up event and prints whatever the agent says
// in response.
func wakeAgent(configPath, text string, now bool) error {
	rt, err := buildRuntime(configPath, false)
	if err != nil {
		return err
	}
	go rt.bus.DispatchOutbound()
	go rt.loop.Run()
	defer rt.loop.Stop()
	done := subscribePrinters(rt.bus)

	mode := cron.WakeNextHeartbeat
	if now {
		mode = cron.WakeNow
	}
	if err := rt.service.Wake(mode, text); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("timed out waiting for a response")
	}
}

// subscribePrinters prints outbound traffic to stdout so one-shot
// commands show where a message would have gone. The returned channel
// closes after the first delivery.
func subscribePrinters(messageBus *bus.MessageBus) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	deliver := func(prefix string) func(bus.OutboundMessage) {
		return func(msg bus.OutboundMessage) {
			content := msg.Content
			if msg.Stream != nil {
				var sb strings.Builder
				for chunk := range msg.Stream {
					sb.WriteString(chunk)
				}
				content = sb.String()
			}
			if prefix != "" {
				fmt.Printf("[%s %s] ", prefix, msg.ChatID)
			}
			fmt.Println(content)
			once.Do(func() { close(done) })
		}
	}
	messageBus.SubscribeOutbound("cli", deliver(""))
	for _, name := range []string{"telegram", "dingtalk", "feishu"} {
		messageBus.SubscribeOutbound(name, deliver(name))
	}
	return done
}

func readJSONArg(arg string) (map[string]interface{}, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	return raw, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const defaultIdentity = `# IDENTITY.md

You are microclaw, a scheduling assistant. You manage reminders and
recurring tasks for your user and report results back on the channel
they last used.

Keep confirmations short. Always state the schedule you created in
plain language, including the timezone when one is involved.
`

func runOnboard() {
	configDir := ".microclaw"
	configFile := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		if abs, err := filepath.Abs(filepath.Join(configDir, "workspace")); err == nil {
			cfg.Agents.Defaults.Workspace = abs
		}
		if err := cfg.Save(configFile); err != nil {
			fmt.Printf("Error writing config file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created config file at %s\n", configFile)
	} else {
		fmt.Printf("Config file already exists at %s\n", configFile)
	}

	workspace := filepath.Join(configDir, "workspace")
	for _, dir := range []string{workspace, filepath.Join(workspace, "cron"), filepath.Join(workspace, "sessions"), filepath.Join(workspace, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Printf("Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}
	fmt.Printf("Created workspace at %s\n", workspace)

	identityPath := filepath.Join(workspace, "IDENTITY.md")
	if _, err := os.Stat(identityPath); os.IsNotExist(err) {
		if err := os.WriteFile(identityPath, []byte(defaultIdentity), 0o644); err != nil {
			fmt.Printf("Error creating IDENTITY.md: %v\n", err)
		} else {
			fmt.Printf("Created default IDENTITY.md at %s\n", identityPath)
		}
	}

	fmt.Println("Onboarding complete! Edit .microclaw/config.yaml to add your API key.")
}
