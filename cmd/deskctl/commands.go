package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/spf13/pflag"
)

type runFunc = func(ctx context.Context, e *env, args []string) error

func sessionsCommand(fs *pflag.FlagSet) runFunc {
	status := fs.String("status", "", "only show sessions with this status")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unexpected argument: %s", args[0])
		}
		var filter domain.SessionStatus
		if *status != "" {
			s, err := domain.ParseSessionStatus(*status)
			if err != nil {
				return err
			}
			filter = s
		}
		list, err := e.client.ListSessions(ctx, filter, false)
		if err != nil {
			return err
		}
		writeSessions(e.out, list)
		return nil
	}
}

func showCommand(fs *pflag.FlagSet) runFunc {
	limit := fs.Int("limit", 0, "number of newest messages to show (server default when 0)")
	return func(ctx context.Context, e *env, args []string) error {
		id, err := oneArg(args, "session id")
		if err != nil {
			return err
		}
		sess, err := e.client.GetSession(ctx, id)
		if err != nil {
			return err
		}
		msgs, err := e.client.Messages(ctx, id, *limit, false)
		if err != nil {
			return err
		}
		writeSessions(e.out, []*domain.Session{sess})
		fmt.Fprintln(e.out)
		writeMessages(e.out, msgs)
		return nil
	}
}

func takeCommand(_ *pflag.FlagSet) runFunc {
	return func(ctx context.Context, e *env, args []string) error {
		id, err := oneArg(args, "session id")
		if err != nil {
			return err
		}
		sess, err := e.client.Take(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Session %s assigned to %s.\n", sess.ID, sess.AgentID)
		return nil
	}
}

func sendCommand(_ *pflag.FlagSet) runFunc {
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("usage: send <session-id> <text...>")
		}
		msg, err := e.client.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Sent %s at %s.\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	}
}

func closeCommand(_ *pflag.FlagSet) runFunc {
	return func(ctx context.Context, e *env, args []string) error {
		id, err := oneArg(args, "session id")
		if err != nil {
			return err
		}
		sess, err := e.client.Close(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Session %s is %s.\n", sess.ID, sess.Status)
		return nil
	}
}

func deleteCommand(fs *pflag.FlagSet) runFunc {
	yes := fs.BoolP("yes", "y", false, "skip the confirmation prompt")
	return func(ctx context.Context, e *env, args []string) error {
		id, err := oneArg(args, "session id")
		if err != nil {
			return err
		}
		if !*yes && !confirm(e, fmt.Sprintf("Delete session %s and all its messages?", id)) {
			fmt.Fprintln(e.out, "Aborted.")
			return nil
		}
		if err := e.client.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Session %s deleted.\n", id)
		return nil
	}
}

func purgeCommand(fs *pflag.FlagSet) runFunc {
	all := fs.Bool("all", false, "delete every session, not just closed ones")
	yes := fs.BoolP("yes", "y", false, "skip the confirmation prompt")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unexpected argument: %s", args[0])
		}
		scope, prompt := "closed", "Delete all closed sessions?"
		if *all {
			scope, prompt = "all", "Delete EVERY session, including waiting and active chats?"
		}
		if !*yes && !confirm(e, prompt) {
			fmt.Fprintln(e.out, "Aborted.")
			return nil
		}
		n, err := e.client.Purge(ctx, scope)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Deleted %d session(s).\n", n)
		return nil
	}
}

func presenceCommand(fs *pflag.FlagSet) runFunc {
	forAgent := fs.String("for", "", "agent whose presence to read or change (default: yourself)")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("usage: presence get|set|cycle [status]")
		}
		agentID := *forAgent
		if agentID == "" {
			agentID = e.client.Actor().ID
		}

		var (
			p   *domain.AgentPresence
			err error
		)
		switch args[0] {
		case "get":
			p, err = e.client.Presence(ctx, agentID, false)
		case "set":
			if len(args) != 2 {
				return fmt.Errorf("usage: presence set online|busy|offline")
			}
			status, perr := domain.ParsePresenceStatus(args[1])
			if perr != nil {
				return perr
			}
			p, err = e.client.SetPresence(ctx, agentID, status)
		case "cycle":
			p, err = e.client.CyclePresence(ctx, agentID)
		default:
			return fmt.Errorf("unknown presence action %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s is %s\n", p.AgentID, p.Status)
		return nil
	}
}

func onlineCommand(_ *pflag.FlagSet) runFunc {
	return func(ctx context.Context, e *env, _ []string) error {
		ids, err := e.client.Online(ctx, false)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(e.out, "No agents online.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(e.out, id)
		}
		return nil
	}
}

func oneArg(args []string, what string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	return args[0], nil
}

// confirm asks a yes/no question on the terminal. Anything but y/yes is no.
func confirm(e *env, question string) bool {
	fmt.Fprintf(e.errOut, "%s [y/N]: ", question)
	line, err := bufio.NewReader(e.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func writeSessions(w io.Writer, list []*domain.Session) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tGUEST\tAGENT\tUPDATED")
	for _, s := range list {
		agent := s.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s <%s>\t%s\t%s\n",
			s.ID, s.Status, s.Guest.Name, s.Guest.Email, agent, s.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func writeMessages(w io.Writer, msgs []*domain.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		name := m.Sender.Name
		if name == "" {
			name = m.Sender.ID
		}
		fmt.Fprintf(w, "[%s] %s (%s): %s\n", m.CreatedAt.Format("15:04:05"), name, m.Sender.Party, m.Body)
	}
}
