// deskctl is the operator command line for the support desk. It talks to a
// running server over the REST API as an agent or admin.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ashureev/supportdesk/internal/client"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const defaultServer = "http://localhost:8080"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand gets: a client and the terminal streams.
type env struct {
	client *client.Client
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

type command struct {
	summary string
	usage   string
	flags   func(fs *pflag.FlagSet) func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"sessions": {summary: "List chat sessions", usage: "sessions [--status waiting|active|closed]", flags: sessionsCommand},
	"show":     {summary: "Show a session and its messages", usage: "show <session-id> [--limit n]", flags: showCommand},
	"take":     {summary: "Assign a waiting session to yourself", usage: "take <session-id>", flags: takeCommand},
	"send":     {summary: "Send a message to a session", usage: "send <session-id> <text...>", flags: sendCommand},
	"close":    {summary: "Close a session", usage: "close <session-id>", flags: closeCommand},
	"delete":   {summary: "Delete a session (admin)", usage: "delete <session-id> [--yes]", flags: deleteCommand},
	"purge":    {summary: "Delete closed or all sessions (admin)", usage: "purge [--all] [--yes]", flags: purgeCommand},
	"presence": {summary: "Get, set or cycle agent presence", usage: "presence get|set|cycle [status] [--for agent]", flags: presenceCommand},
	"online":   {summary: "List online agents", usage: "online", flags: onlineCommand},
	"watch":    {summary: "Poll sessions (and one chat) until interrupted", usage: "watch [--session id] [--interval d]", flags: watchCommand},
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(errOut)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(errOut)
		return fmt.Errorf("unknown command %q", args[0])
	}

	fs := pflag.NewFlagSet("deskctl "+args[0], pflag.ContinueOnError)
	fs.SetOutput(errOut)
	server := fs.String("server", envOr("DESK_SERVER", defaultServer), "support desk server URL")
	agentID := fs.String("agent", os.Getenv("DESK_AGENT_ID"), "agent id to act as")
	name := fs.String("name", os.Getenv("DESK_AGENT_NAME"), "agent display name")
	admin := fs.Bool("admin", strings.EqualFold(os.Getenv("DESK_AGENT_ROLE"), "admin"), "act with the admin role")
	verbose := fs.BoolP("verbose", "v", false, "log API calls to stderr")
	runCmd := cmd.flags(fs)
	fs.Usage = func() {
		fmt.Fprintf(errOut, "Usage: deskctl %s\n\n%s\n\nFlags:\n", cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *agentID == "" {
		return fmt.Errorf("an agent id is required (--agent or DESK_AGENT_ID)")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	role := domain.RoleAgent
	if *admin {
		role = domain.RoleAdmin
	}
	c, err := client.New(client.Config{
		BaseURL: *server,
		Actor:   domain.Actor{ID: *agentID, Name: *name, Party: domain.PartyAgent, Role: role},
		Logger:  slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
	})
	if err != nil {
		return err
	}

	return runCmd(ctx, &env{client: c, in: in, out: out, errOut: errOut}, fs.Args())
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: deskctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Identity comes from --agent/--name/--admin or DESK_AGENT_ID, DESK_AGENT_NAME, DESK_AGENT_ROLE.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
