package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/collector/internal/client"
	"github.com/xtxerr/collector/internal/counter"
	"github.com/xtxerr/collector/internal/errors"
)

// errQuit is returned by the exit command.
var errQuit = errors.New("quit")

type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, s *shell, args []string) error
}

// commands is set in init since several commands look the table up.
var commands []command

func init() {
	commands = []command{
		{"health", "health", "check the collector and its database", cmdHealth},
		{"stats", "stats", "writer, queue and pool statistics", cmdStats},
		{"files", "files", "list spool files not yet promoted", cmdFiles},
		{"flush", "flush on|off", "enable or disable promotion", cmdFlush},
		{"cutoff", "cutoff [duration]", "show or set the recovery cutoff", cmdCutoff},
		{"recover", "recover", "run a recovery sweep now", cmdRecover},
		{"subscriptions", "subscriptions", "list counter subscriptions", cmdSubscriptions},
		{"rollup", "rollup <appId>", "start a roll-up for an app", cmdRollUp},
		{"counters", "counters <appId> [from] [to]", "show rolled-up counters (dates as YYYY-MM-DD)", cmdCounters},
		{"feed", "feed <channel> [offset] [count]", "page through a feed channel", cmdFeed},
		{"clean-feed", "clean-feed", "run one feed retention pass", cmdCleanFeed},
		{"help", "help", "show this help", cmdHelp},
		{"exit", "exit", "leave the shell", func(context.Context, *shell, []string) error { return errQuit }},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// shell executes command lines against one collector.
type shell struct {
	client  *client.Client
	out     io.Writer
	timeout time.Duration
}

// execute runs one command line. It returns errQuit for exit.
func (s *shell) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] == "quit" {
		fields[0] = "exit"
	}

	cmd, ok := lookup(fields[0])
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return cmd.run(ctx, s, fields[1:])
}

func (s *shell) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, string(b))
	return err
}

func usage(name string) error {
	c, _ := lookup(name)
	return fmt.Errorf("usage: %s", c.usage)
}

// =============================================================================
// Spool
// =============================================================================

func cmdHealth(ctx context.Context, s *shell, _ []string) error {
	if err := s.client.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "ok")
	return nil
}

func cmdStats(ctx context.Context, s *shell, _ []string) error {
	st, err := s.client.Stats(ctx)
	if err != nil {
		return err
	}
	return s.print(st)
}

func cmdFiles(ctx context.Context, s *shell, _ []string) error {
	files, err := s.client.Files(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(s.out, "no local files")
		return nil
	}
	for _, f := range files {
		fmt.Fprintln(s.out, f)
	}
	return nil
}

func cmdFlush(ctx context.Context, s *shell, args []string) error {
	if len(args) != 1 {
		return usage("flush")
	}

	var enable bool
	switch args[0] {
	case "on":
		enable = true
	case "off":
	default:
		return usage("flush")
	}

	enabled, err := s.client.SetFlush(ctx, enable)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "flush enabled: %t\n", enabled)
	return nil
}

func cmdCutoff(ctx context.Context, s *shell, args []string) error {
	switch len(args) {
	case 0:
		d, err := s.client.Cutoff(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "cutoff: %s\n", d)
		return nil
	case 1:
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q", args[0])
		}
		if err := s.client.SetCutoff(ctx, d); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "cutoff: %s\n", d)
		return nil
	default:
		return usage("cutoff")
	}
}

func cmdRecover(ctx context.Context, s *shell, _ []string) error {
	n, err := s.client.Recover(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "processed %d files\n", n)
	return nil
}

// =============================================================================
// Counters
// =============================================================================

func cmdSubscriptions(ctx context.Context, s *shell, _ []string) error {
	subs, err := s.client.Subscriptions(ctx)
	if err != nil {
		return err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].AppID < subs[j].AppID })
	for _, sub := range subs {
		fmt.Fprintf(s.out, "%s\t%s\n", sub.AppID, sub.ID)
	}
	return nil
}

func cmdRollUp(ctx context.Context, s *shell, args []string) error {
	if len(args) != 1 {
		return usage("rollup")
	}

	started, err := s.client.RollUp(ctx, args[0])
	if err != nil {
		return err
	}
	if !started {
		fmt.Fprintln(s.out, "a roll-up is already running")
		return nil
	}
	fmt.Fprintf(s.out, "roll-up of %s started\n", args[0])
	return nil
}

func cmdCounters(ctx context.Context, s *shell, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usage("counters")
	}

	q := counter.Query{AppID: args[0]}
	for i, dst := range []**time.Time{&q.From, &q.To} {
		if len(args) <= i+1 {
			break
		}
		t, err := counter.ParseDate(args[i+1])
		if err != nil {
			return fmt.Errorf("invalid date %q", args[i+1])
		}
		*dst = &t
	}

	counters, err := s.client.Counters(ctx, q)
	if err != nil {
		return err
	}
	return s.print(counters)
}

// =============================================================================
// Feed
// =============================================================================

func cmdFeed(ctx context.Context, s *shell, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usage("feed")
	}

	var (
		offset int64
		count  int
		err    error
	)
	if len(args) > 1 {
		if offset, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid offset %q", args[1])
		}
	}
	if len(args) > 2 {
		if count, err = strconv.Atoi(args[2]); err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args[2])
		}
	}

	events, err := s.client.Feed(ctx, args[0], offset, count)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(s.out, "no events")
		return nil
	}
	return s.print(events)
}

func cmdCleanFeed(ctx context.Context, s *shell, _ []string) error {
	n, err := s.client.CleanFeed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %d feed events\n", n)
	return nil
}

func cmdHelp(_ context.Context, s *shell, _ []string) error {
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %-32s %s\n", c.usage, c.help)
	}
	return nil
}
