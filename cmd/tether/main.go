// tether is a terminal client for agent executions. It streams a reply as it
// is produced, survives dropped connections and can re-attach to an execution
// that is still running after the client restarted.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/config"
	"github.com/HyphaGroup/tether/internal/coordinator"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/store"
	"github.com/HyphaGroup/tether/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "send":
		cmdSend(args)
	case "chat":
		cmdChat(args)
	case "attach":
		cmdAttach(args)
	case "cancel":
		cmdCancel(args)
	case "status":
		cmdStatus(args)
	case "history":
		cmdHistory(args)
	case "init":
		cmdInit(args)
	case "--version", "-v":
		fmt.Printf("tether %s\n", Version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`tether %s - streaming client for agent executions

Usage: tether <command> [options]

Commands:
  send [-c <id>] <message>   Send a message and stream the reply
  chat [-c <id>]             Interactive session; messages queue while busy
  attach <id>                Resume the running execution of a conversation
  cancel <id>                Stop the running execution of a conversation
  status <id>                Show the backend's executions for a conversation
  history [<id>]             List local conversations or show one
  init [--dir <path>]        Write a default tether.jsonc

Common options:
  --config <dir>             Directory containing tether.jsonc
  -V                         Show tool results, thinking and reconnects

Config Precedence:
  1. --config flag
  2. ./config/tether.jsonc
  3. $TETHER_HOME/config/tether.jsonc
  4. ~/.tether/config/tether.jsonc
  5. built-in defaults

In send and attach, Ctrl-C cancels the execution; with --detach it leaves it
running so 'tether attach' can pick it up later.
`, Version)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	convID := fs.String("c", "", "Conversation id (default: start a new conversation)")
	detach := fs.Bool("detach", false, "On interrupt, leave the execution running")
	verbose := fs.Bool("V", false, "Verbose output")
	_ = fs.Parse(args)

	message := strings.Join(fs.Args(), " ")
	if message == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fail("reading stdin: %v", err)
		}
		message = string(data)
	}
	if strings.TrimSpace(message) == "" {
		fail("a message is required")
	}

	a, err := openApp(*configDir, true)
	if err != nil {
		fail("%v", err)
	}
	defer a.close()

	r := newRenderer(os.Stdout, os.Stderr, *verbose)
	wake, unsubscribe := a.wakeups()
	defer unsubscribe()

	var running *coordinator.Handle
	if *convID != "" {
		if running, err = a.resume(*convID, r); err != nil {
			fail("%v", err)
		}
	}

	h, err := a.coord.Send(*convID, message)
	if err != nil {
		fail("%v", err)
	}
	code := 0
	if running != nil {
		code = a.follow(running, r, wake, *detach)
	}
	if running == nil || queueContinues(running) {
		code = a.follow(h, r, wake, *detach)
	} else {
		fmt.Fprintln(os.Stderr, "[message not sent]")
	}
	unsubscribe()
	a.close()
	os.Exit(code)
}

func cmdAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	detach := fs.Bool("detach", false, "On interrupt, leave the execution running")
	verbose := fs.Bool("V", false, "Verbose output")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: tether attach <conversation-id>")
	}

	a, err := openApp(*configDir, true)
	if err != nil {
		fail("%v", err)
	}
	defer a.close()

	r := newRenderer(os.Stdout, os.Stderr, *verbose)
	wake, unsubscribe := a.wakeups()
	defer unsubscribe()

	h, err := a.resume(fs.Arg(0), r)
	if err != nil {
		fail("%v", err)
	}
	if h == nil {
		fmt.Fprintln(os.Stderr, "Nothing is running for this conversation.")
		return
	}
	code := a.follow(h, r, wake, *detach)
	unsubscribe()
	a.close()
	os.Exit(code)
}

func cmdChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	convID := fs.String("c", "", "Conversation id (default: start a new conversation)")
	verbose := fs.Bool("V", false, "Verbose output")
	_ = fs.Parse(args)

	a, err := openApp(*configDir, true)
	if err != nil {
		fail("%v", err)
	}
	defer a.close()

	r := newRenderer(os.Stdout, os.Stderr, *verbose)
	wake, unsubscribe := a.wakeups()
	defer unsubscribe()

	fmt.Fprintln(os.Stderr, "Type a message and press enter. Commands: /cancel, /interrupt <message>, /queue, /id, /quit")

	var current atomic.Value
	current.Store(*convID)
	results := make(chan *coordinator.Handle, 64)
	ctx, stopAll := context.WithCancel(context.Background())
	defer stopAll()

	if *convID != "" {
		running, err := a.resume(*convID, r)
		if err != nil {
			fail("%v", err)
		}
		if running != nil {
			fmt.Fprintln(os.Stderr, "[resumed running execution; new messages queue behind it]")
			results <- running
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				if key := current.Load().(string); key != "" {
					if state, ok := a.coord.View(key); ok {
						r.render(state)
					}
				}
			}
		}
	}()
	go func() {
		for h := range results {
			res, err := h.Wait(ctx)
			switch {
			case errors.Is(err, coordinator.ErrDropped):
				fmt.Fprintln(os.Stderr, "[dropped queued message]")
			case err != nil:
				return
			default:
				r.finish(res)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), validation.MaxMessageBytes+1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key := current.Load().(string)
		if key != "" {
			key = a.coord.Resolve(key)
		}

		switch {
		case line == "/quit":
			return
		case line == "/id":
			fmt.Fprintln(os.Stderr, displayKey(key))
		case line == "/queue":
			fmt.Fprintf(os.Stderr, "%d queued, active=%v\n", a.coord.Queued(key), a.coord.Active(key))
		case line == "/cancel":
			if !a.coord.Cancel(key) {
				fmt.Fprintln(os.Stderr, "Nothing is running.")
			}
		case strings.HasPrefix(line, "/interrupt "):
			h, dropped, err := a.coord.Interrupt(key, strings.TrimPrefix(line, "/interrupt "))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			if dropped > 0 {
				fmt.Fprintf(os.Stderr, "[interrupted, %d queued message(s) dropped]\n", dropped)
			}
			current.Store(h.Key)
			results <- h
		default:
			h, err := a.coord.Send(key, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			if h.Queued {
				fmt.Fprintf(os.Stderr, "[queued, %d waiting]\n", a.coord.Queued(key))
			}
			current.Store(h.Key)
			results <- h
		}
	}
}

func displayKey(key string) string {
	if key == "" || registry.IsPending(key) {
		return "(new conversation, no id yet)"
	}
	return key
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: tether cancel <conversation-id>")
	}
	convID := fs.Arg(0)
	if err := validation.ValidateConversationID(convID); err != nil {
		fail("%v", err)
	}

	a, err := openApp(*configDir, false)
	if err != nil {
		fail("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout()+a.cfg.ClientOptions().RequestTimeout)
	defer cancel()

	status, err := a.client.Status(ctx, convID)
	if err != nil {
		fail("querying status: %v", err)
	}
	if status.Active == nil || status.Active.Status != backend.ExecutionRunning {
		fmt.Println("Nothing is running for this conversation.")
		return
	}
	if err := a.client.Stop(ctx, status.Active.ID); err != nil {
		a.audit.LogFailure(audit.OpExecutionStop, convID, status.Active.ID, err)
		fail("stopping %s: %v", status.Active.ID, err)
	}
	a.audit.LogSuccess(audit.OpExecutionStop, convID, status.Active.ID)
	fmt.Printf("Stopped execution %s\n", status.Active.ID)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	asJSON := fs.Bool("json", false, "Print the raw status response")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: tether status <conversation-id>")
	}
	convID := fs.Arg(0)
	if err := validation.ValidateConversationID(convID); err != nil {
		fail("%v", err)
	}

	a, err := openApp(*configDir, false)
	if err != nil {
		fail("%v", err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ClientOptions().RequestTimeout)
	defer cancel()
	status, err := a.client.Status(ctx, convID)
	if err != nil {
		fail("querying status: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tSTATUS\tEVENTS\tUPDATED\tERROR")
	if status.Active != nil {
		printExecution(w, status.Active)
	}
	for i := range status.Recent {
		if status.Active != nil && status.Recent[i].ID == status.Active.ID {
			continue
		}
		printExecution(w, &status.Recent[i])
	}
	_ = w.Flush()
}

func printExecution(w io.Writer, e *backend.Execution) {
	events := "-"
	if len(e.Events) > 0 {
		events = fmt.Sprint(len(e.Events))
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Status, events, e.UpdatedAt.Local().Format(time.DateTime), e.Error)
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing tether.jsonc")
	asJSON := fs.Bool("json", false, "Print messages as JSON")
	remove := fs.Bool("rm", false, "Delete the conversation from local history")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fail("%v", err)
	}
	st, err := store.NewStore(cfg.StoreDir())
	if err != nil {
		fail("opening history: %v", err)
	}
	defer func() { _ = st.Close() }()

	if fs.NArg() == 0 {
		convs, err := st.Conversations()
		if err != nil {
			fail("%v", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMESSAGES\tUPDATED\tTITLE")
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.ID, c.Messages, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
		}
		_ = w.Flush()
		return
	}

	convID := fs.Arg(0)
	if *remove {
		if err := st.DeleteConversation(convID); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Deleted %s\n", convID)
		return
	}

	messages, err := st.Messages(convID)
	if err != nil {
		fail("%v", err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(messages)
		return
	}
	for _, m := range messages {
		label := string(m.Role)
		if m.Outcome != "" && m.Outcome != store.OutcomeCompleted {
			label += " (" + string(m.Outcome) + ")"
		}
		fmt.Printf("--- %s, %s\n%s\n\n", label, m.CreatedAt.Local().Format(time.DateTime), m.Content)
	}
}

const configTemplate = `{
  // Execution backend the client talks to
  "backend": {
    "url": "http://localhost:8080",
    "token": "",
    "request_timeout_seconds": 30,
    "stop_timeout_seconds": 5,
    "reconnect_per_second": 2,
    "reconnect_burst": 4
  },
  // Local message history, relative to this home directory
  "store": {"dir": "data"},
  "logging": {"dir": "logs", "level": "info", "json": false, "audit": false},
  // Prometheus endpoint of the client, e.g. "127.0.0.1:9464"; empty disables
  "metrics": {"address": ""},
  // Used by tether-backend only
  "server": {
    "address": ":8080",
    "token": "",
    "issued_tokens": false,
    "reconnect_after_seconds": 45,
    "keepalive_seconds": 10,
    "retention_minutes": 10,
    "event_buffer_size": 10000
  },
  "agent": {"word_delay_ms": 80}
}
`

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.tether)")
	_ = fs.Parse(args)

	home := config.DefaultHomeDir()
	if *dirFlag != "" {
		abs, err := filepath.Abs(*dirFlag)
		if err != nil {
			fail("invalid directory: %v", err)
		}
		home = abs
	}

	configPath := filepath.Join(home, "config", config.FileName)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Already initialized: %s\n", configPath)
		return
	}
	for _, dir := range []string{filepath.Join(home, "config"), filepath.Join(home, "data"), filepath.Join(home, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail("creating %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(configPath, []byte(configTemplate), 0o600); err != nil {
		fail("writing config: %v", err)
	}
	fmt.Printf("Initialized %s\n", home)
	fmt.Printf("Config: %s\n", configPath)
}

// resume attaches to an execution still running on the backend for
// conversationID and renders what it has produced so far. Messages sent
// afterwards queue behind it. It returns nil when nothing is running.
func (a *app) resume(conversationID string, r *renderer) (*coordinator.Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ClientOptions().RequestTimeout)
	defer cancel()

	h, err := a.coord.Attach(ctx, conversationID)
	if err != nil || h == nil {
		return nil, err
	}
	if state, ok := a.coord.View(h.Key); ok {
		r.render(state)
	}
	return h, nil
}

// queueContinues reports whether messages queued behind h still get sent
// after it finished. Cancelling or detaching drops them.
func queueContinues(h *coordinator.Handle) bool {
	res := h.Result()
	return res != nil && (res.Phase == session.PhaseCompleted || res.Phase == session.PhaseFailed)
}

// follow renders h until it finishes and returns the exit code. The first
// interrupt cancels the execution, or detaches when detach is set; a second
// one exits immediately.
func (a *app) follow(h *coordinator.Handle, r *renderer, wake <-chan struct{}, detach bool) int {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	interrupted := false
	for {
		select {
		case <-wake:
			if state, ok := a.coord.View(h.Key); ok {
				r.render(state)
			}
		case <-h.Done():
			res := h.Result()
			r.finish(res)
			if id := a.coord.Resolve(h.Key); !registry.IsPending(id) {
				fmt.Fprintf(os.Stderr, "conversation: %s\n", id)
			}
			if res == nil || res.Phase != session.PhaseCompleted {
				return 1
			}
			return 0
		case <-sigs:
			if interrupted {
				return 130
			}
			interrupted = true
			key := a.coord.Resolve(h.Key)
			if detach {
				fmt.Fprintln(os.Stderr, "\n[detached]")
				if !registry.IsPending(key) {
					fmt.Fprintf(os.Stderr, "resume with: tether attach %s\n", key)
				}
				a.coord.Close()
				return 0
			}
			fmt.Fprintln(os.Stderr, "\n[cancelling]")
			a.coord.Cancel(key)
		}
	}
}
