package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tiancaiamao/shellbuddy/pkg/config"
	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
	"github.com/tiancaiamao/shellbuddy/pkg/tools"
	"github.com/tiancaiamao/shellbuddy/pkg/transport"
)

type askOptions struct {
	url        string
	token      string
	once       bool
	showOutput bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask the agent for help; commands it needs run on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			log, err := setupLogger(cfg, true)
			if err != nil {
				return err
			}
			defer log.Close()
			return runAsk(cmd.Context(), cfg, opts, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "server WebSocket URL (default client.url)")
	cmd.Flags().StringVar(&opts.token, "token", "", "chat token (default client.token)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after the first answer")
	cmd.Flags().BoolVar(&opts.showOutput, "show-output", false, "echo command output while it runs")
	return cmd
}

func runAsk(ctx context.Context, cfg *config.Config, opts *askOptions, question string, in io.Reader, out io.Writer) error {
	interactive := !opts.once && isTerminal(in)
	var lines <-chan string
	if question == "" || interactive {
		lines = readLines(in)
	}

	if question == "" {
		if interactive {
			fmt.Fprint(out, "? ")
		}
		var ok bool
		if question, ok = nextQuestion(lines, interactive); !ok {
			return errors.New("no question given")
		}
	}

	endpoint, err := sessionURL(cfg, opts)
	if err != nil {
		return err
	}

	r := newRenderer(out)
	toolOpts := []tools.Option{
		tools.WithPreviewLines(cfg.Tools.PreviewLines),
	}
	if cfg.Tools.Shell != "" {
		toolOpts = append(toolOpts, tools.WithShell(cfg.Tools.Shell))
	}
	if opts.showOutput {
		toolOpts = append(toolOpts, tools.WithOutputObserver(r.commandOutput))
	}
	cmdTool := tools.NewCommandTool(toolOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if ttl := cfg.Tools.RecordTTL.Duration; ttl > 0 {
		cmdTool.Store().StartReaper(ctx, reaperInterval(ttl), ttl)
	}

	waiting := make(chan struct{}, 1)
	client, err := transport.Dial(ctx, endpoint, question, cmdTool,
		transport.OnTranscript(r.entry),
		transport.OnStateChange(func(from, to transport.State) {
			if to == transport.StateWaitingReply {
				select {
				case waiting <- struct{}{}:
				default:
				}
			}
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	// input is only read while the agent waits for a reply
	var input <-chan string
	for {
		select {
		case <-client.Done():
			r.newline()
			return client.Err()
		case <-sigCh:
			if client.State() != transport.StateProcessing {
				r.newline()
				return client.Close()
			}
			r.notice("cancelling")
			if err := client.Cancel(); err != nil {
				return err
			}
		case <-waiting:
			r.newline()
			if !interactive {
				return client.Close()
			}
			fmt.Fprint(out, "> ")
			input = lines
		case line, ok := <-input:
			if !ok {
				return client.Close()
			}
			if line = strings.TrimSpace(line); line == "" {
				fmt.Fprint(out, "> ")
				continue
			}
			input = nil
			if err := client.SendReply(line); err != nil {
				return err
			}
		}
	}
}

// sessionURL adds the chat token to the configured endpoint. Without a token
// a local one is issued when the server secret is known.
func sessionURL(cfg *config.Config, opts *askOptions) (string, error) {
	endpoint := opts.url
	if endpoint == "" {
		endpoint = cfg.Client.URL
	}
	token := opts.token
	if token == "" {
		token = cfg.Client.Token
	}
	if token == "" && cfg.Server.JWTSecret != "" {
		t, err := issueToken(&tokenOptions{secret: cfg.Server.JWTSecret, ttl: cfg.Server.TokenTTL.Duration})
		if err != nil {
			return "", err
		}
		token = t
	}
	if token == "" {
		return "", errors.New("no chat token: pass --token, set client.token or SHELLBUDDY_TOKEN")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func reaperInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 4; interval > time.Second {
		return interval
	}
	return time.Second
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readLines delivers input lines until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// nextQuestion returns the next non-empty line. Non-interactive input is
// read to EOF and joined, so a piped prompt may span several lines.
func nextQuestion(lines <-chan string, interactive bool) (string, bool) {
	if !interactive {
		var parts []string
		for line := range lines {
			parts = append(parts, line)
		}
		q := strings.TrimSpace(strings.Join(parts, "\n"))
		return q, q != ""
	}
	for line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			return line, true
		}
	}
	return "", false
}

// renderer prints transcript changes as they arrive.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	midLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) entry(e transport.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case transport.EntryAssistant:
		fmt.Fprint(r.out, e.Delta)
		r.midLine = !strings.HasSuffix(e.Delta, "\n")
	case transport.EntryRunCommand:
		if !e.Done {
			r.breakLine()
			fmt.Fprintf(r.out, "$ %s\n", strings.TrimRight(e.Command.Command, "\n"))
			return
		}
		r.breakLine()
		fmt.Fprintln(r.out, describeOutput(e.CommandOutput))
	case transport.EntryLineGroup:
		if e.Done {
			return
		}
		r.breakLine()
		q := e.LineQuery
		fmt.Fprintf(r.out, "[reading %s lines %d-%d of %s]\n", q.Output, q.From, q.To, q.ID)
	}
}

func (r *renderer) commandOutput(stream protocol.OutputStream, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Write(chunk)
	r.midLine = len(chunk) > 0 && chunk[len(chunk)-1] != '\n'
}

func (r *renderer) notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintf(r.out, "[%s]\n", msg)
}

func (r *renderer) newline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func describeOutput(o *protocol.RunCommandOutput) string {
	switch {
	case o == nil:
		return "[no output]"
	case o.Cancelled:
		return "[cancelled]"
	}
	return fmt.Sprintf("[exit %d, %d stdout / %d stderr lines]", o.ExitCode, o.StdoutTotalLines, o.StderrTotalLines)
}
