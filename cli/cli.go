// Package cli provides the command-line interface for projhost.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zot/projhost/internal/loader"
	"github.com/zot/projhost/internal/mcp"
	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/server"
	"github.com/zot/projhost/internal/storage"
)

// Version is the projhost release.
const Version = "0.1.0"

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		printHelp(hooks)
		return 1
	}

	command := args[0]
	cmdArgs := args[1:]

	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "run":
		return runRun(cmdArgs)
	case "check":
		return runCheck(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "mcp":
		return runMCP(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func printHelp(hooks *Hooks) {
	fmt.Fprintln(stdout, `projhost: continuous-query projections in Lua

Usage: projhost <command> [options] [manifest.yaml]

Options must come before the manifest.

Commands:
  run             Compile the manifest and feed its events to every query
  check           Compile the manifest and report script errors
  serve           Serve sessions over WebSocket at /ws
  mcp             Serve one session to AI agents over MCP on stdio
  version         Print the version

Options:
  --config        TOML configuration file (default: config/projhost.toml)
  --manifest      Projection manifest (YAML)
  --prelude       Prelude script
  --module-dir    Directory searched by require() (repeatable)
  --events        Events file (JSON lines, - for stdin)
  --watch         Re-run when scripts change (run only)
  --storage       Result storage: memory, sqlite, postgres
  --storage-path  SQLite database path
  --storage-url   PostgreSQL connection URL
  --host, --port  WebSocket listen address (serve only)
  -v, -vv, -vvv   Verbosity

Examples:
  projhost run projection.yaml
  projhost run --watch --storage sqlite projection.yaml
  projhost check projection.yaml
  projhost serve --port 8090 projection.yaml`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(stdout, hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Fprintf(stdout, "projhost v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(stdout, hooks.CustomVersion())
	}
}

func fail(err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// printDiagnostics writes one line per diagnostic and returns how many
// there were.
func printDiagnostics(w io.Writer, diags []projection.Diagnostic) int {
	for _, d := range diags {
		where := d.Location.String()
		if where == "" {
			where = d.Script
		}
		fmt.Fprintf(w, "%s: %s\n", where, d.Message)
	}
	return len(diags)
}

// resultLine is how run prints a stored result.
type resultLine struct {
	Query   string          `json:"query"`
	Handler string          `json:"handler"`
	Event   int             `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func runCheck(args []string) int {
	p, err := LoadProject(args)
	if err != nil {
		return fail(err)
	}
	s, err := p.NewSession(nil)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	diags, err := s.Diagnostics()
	if err != nil {
		return fail(err)
	}
	if printDiagnostics(stderr, diags) > 0 {
		return 1
	}
	for _, q := range s.Queries() {
		fmt.Fprintf(stdout, "%s: %s\n", q.Name, strings.Join(q.HandlerNames(), ", "))
	}
	return 0
}

func runRun(args []string) int {
	p, err := LoadProject(args)
	if err != nil {
		return fail(err)
	}
	store, err := storage.New(p.Config.Storage)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := p.Run(ctx, store, stdout, stderr)
	if !p.Config.Host.Watch {
		return code
	}

	changes := make(chan []string, 1)
	w, err := loader.NewWatcher(p.Config, p.Config.Host.Debounce.Duration(), func(changed []string) {
		select {
		case changes <- changed:
		default:
		}
	}, p.Dirs...)
	if err != nil {
		return fail(err)
	}
	for _, file := range p.Sources() {
		if err := w.WatchFile(file); err != nil {
			return fail(err)
		}
	}
	if err := w.Start(); err != nil {
		return fail(err)
	}
	defer w.Stop()

	p.Log(0, "Watching for changes")
	for {
		select {
		case <-ctx.Done():
			return code
		case changed := <-changes:
			p.Log(0, "Changed: %s", strings.Join(changed, ", "))
			code = p.Run(ctx, store, stdout, stderr)
		}
	}
}

// Run builds a fresh session, feeds the events file to every query in
// manifest order, prints the new results as JSON lines on out and the
// diagnostics on errOut. It returns 1 if anything failed.
func (p *Project) Run(ctx context.Context, store storage.Store, out, errOut io.Writer) int {
	events, err := p.ReadEvents()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	s, err := p.NewSession(store)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	code := 0
	enc := json.NewEncoder(out)
	for _, q := range p.Manifest.Queries {
		var last int64
		if r, err := store.Last(q.Name); err == nil {
			last = r.Seq
		} else if !errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}

		stats, err := s.Feed(ctx, q.Name, events)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %s: %v\n", q.Name, err)
			code = 1
		}
		p.Log(1, "%s: %d events, %d results, %d failed, %d skipped",
			q.Name, stats.Events, stats.Results, stats.Failed, stats.Skipped)

		records, err := store.List(q.Name)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}
		for _, r := range records {
			if r.Seq > last {
				enc.Encode(resultLine{Query: r.Query, Handler: r.Handler, Event: r.Event, Payload: r.Payload})
			}
		}
	}
	diags, err := s.Diagnostics()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		code = 1
	}
	if printDiagnostics(errOut, diags) > 0 {
		code = 1
	}
	return code
}

func runServe(args []string) int {
	p, err := LoadProject(args)
	if err != nil {
		return fail(err)
	}
	store, err := storage.New(p.Config.Storage)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	srv := server.New(p.Config, func(connectionID string) (*projection.Session, error) {
		p.Log(1, "New session for connection %s", connectionID)
		return p.NewSession(store)
	})
	url, err := srv.StartHTTP(p.Config.Server.Port)
	if err != nil {
		return fail(err)
	}
	fmt.Fprintf(stdout, "Serving sessions at %s/ws\n", strings.Replace(url, "http", "ws", 1))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	p.Log(0, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fail(err)
	}
	return 0
}

func runMCP(args []string) int {
	p, err := LoadProject(args)
	if err != nil {
		return fail(err)
	}
	store, err := storage.New(p.Config.Storage)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	s, err := p.NewSession(store)
	if err != nil {
		return fail(err)
	}
	srv := mcp.NewServer(p.Config, s, Version)
	defer srv.Close()
	if err := srv.ServeStdio(); err != nil {
		return fail(err)
	}
	return 0
}
