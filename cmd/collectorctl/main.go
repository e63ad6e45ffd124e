// collectorctl is an interactive admin shell for a running collectord.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/collector/internal/client"
	"github.com/xtxerr/collector/internal/errors"
)

func main() {
	addr := flag.String("addr", client.DefaultConfig().Addr, "collectord admin address")
	timeout := flag.Duration("timeout", client.DefaultConfig().RequestTimeout, "request timeout")
	flag.Parse()

	c := client.New(&client.Config{Addr: *addr, RequestTimeout: *timeout})
	defer c.Close()

	s := &shell{client: c, out: os.Stdout, timeout: *timeout}

	// One-shot: collectorctl files
	if flag.NArg() > 0 {
		if err := s.execute(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		interactive(s, *addr)
		return
	}

	if err := lines(s, os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func interactive(s *shell, addr string) {
	fmt.Printf("connected to %s, type help for commands\n", addr)

	p := prompt.New(
		func(line string) {
			if err := s.execute(line); err != nil && !errors.Is(err, errQuit) {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		},
		complete,
		prompt.OptionPrefix("collector> "),
		prompt.OptionTitle("collectorctl "+addr),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

// lines runs one command per input line, stopping at the first failure.
func lines(s *shell, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := s.execute(line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
	}
	return sc.Err()
}

var flushArgs = []prompt.Suggest{
	{Text: "on", Description: "enable promotion"},
	{Text: "off", Description: "disable promotion"},
}

func complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()

	fields := strings.Fields(before)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		suggests := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			suggests = append(suggests, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(suggests, word, true)
	}

	if fields[0] == "flush" {
		return prompt.FilterHasPrefix(flushArgs, word, true)
	}
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: collectorctl [flags] [command [args]]\n\n")
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), "\ncommands:")
		for _, c := range commands {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-32s %s\n", c.usage, c.help)
		}
	}
}
