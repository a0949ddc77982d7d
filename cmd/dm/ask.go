package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/app"
	"github.com/zulandar/datamind/internal/chat"
)

// connectWait bounds how long ask waits for the live channel before the
// first submission. Submissions work without it, just not streamed.
const connectWait = 2 * time.Second

func newAskCmd() *cobra.Command {
	var (
		configPath string
		dataSource string
		resume     bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask questions about your data",
		Long: `Asks a single question when one is given, otherwise starts an interactive
session. Inside a session:
  /new            start a new conversation
  /history        list past conversations
  /open <id>      reopen a past conversation
  /sources        list data sources
  /source <id>    switch data source (id or name)
  /quit           leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, configPath, app.ChatOpts{
				DataSourceID: dataSource,
				Resume:       resume,
				Offline:      offline,
			}, strings.Join(args, " "))
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&dataSource, "data-source", "d", "", "data source to query (remembered for next time)")
	cmd.Flags().BoolVarP(&resume, "resume", "r", false, "continue the last conversation")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the live channel and use plain requests")
	return cmd
}

func runAsk(cmd *cobra.Command, configPath string, opts app.ChatOpts, question string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := requireSignedIn(a); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	v, err := a.OpenChat(ctx, opts)
	if err != nil {
		return err
	}
	if v.Conversation.DataSource() == "" {
		return fmt.Errorf("no data source selected; pass --data-source or run `dm sources use <name>`")
	}
	if v.Channel != nil {
		waitConnected(ctx, v, connectWait)
	}
	printer := newTurnPrinter(out)
	v.Conversation.OnChange(printer.handle)

	if question != "" {
		return submit(ctx, v, question)
	}

	if opts.Resume {
		fmt.Fprintf(out, "Resumed conversation %s (%d messages)\n", v.Conversation.ID(), len(v.Conversation.Turns()))
	}
	fmt.Fprintf(out, "Asking %s. Type /quit to leave.\n", v.Conversation.DataSource())
	return chatLoop(ctx, cmd.InOrStdin(), out, v)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, v *app.ChatView) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runChatCommand(ctx, out, v, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := submit(ctx, v, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func runChatCommand(ctx context.Context, out io.Writer, v *app.ChatView, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := v.Protocol.NewConversation(); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Started a new conversation")
	case "/history":
		list, err := v.Protocol.Conversations(ctx)
		if err != nil {
			return false, err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No conversations yet")
			return false, nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tCREATED")
		now := time.Now()
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, s.DataSourceID, formatAgo(s.CreatedAt, now))
		}
		w.Flush()
	case "/open":
		if arg == "" {
			return false, fmt.Errorf("usage: /open <conversation-id>")
		}
		if err := v.Protocol.Open(ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Opened %s (%d messages)\n", arg, len(v.Conversation.Turns()))
	case "/source":
		if arg == "" {
			fmt.Fprintf(out, "Data source: %s\n", v.Conversation.DataSource())
			return false, nil
		}
		list, err := v.Protocol.DataSources(ctx)
		if err != nil {
			return false, err
		}
		ds, ok := chat.FindDataSource(list, arg)
		if !ok {
			return false, fmt.Errorf("unknown data source %s; see /sources", arg)
		}
		v.SetDataSource(ds.ID)
		fmt.Fprintf(out, "Data source: %s (%s)\n", ds.Name, ds.ID)
	case "/sources":
		list, err := v.Protocol.DataSources(ctx)
		if err != nil {
			return false, err
		}
		printDataSources(out, list, v.Conversation.DataSource())
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

// submit sends one question and waits for its answer.
func submit(ctx context.Context, v *app.ChatView, question string) error {
	if err := v.Protocol.Submit(ctx, question); err != nil {
		return err
	}
	return v.Conversation.WaitIdle(ctx)
}

func waitConnected(ctx context.Context, v *app.ChatView, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !v.Channel.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// turnPrinter renders conversation events as they happen: the phase while
// a reply streams, then the finished answer.
type turnPrinter struct {
	out io.Writer

	mu    sync.Mutex
	phase string
}

func newTurnPrinter(out io.Writer) *turnPrinter {
	return &turnPrinter{out: out}
}

func (p *turnPrinter) handle(ev chat.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case chat.EventStreamStart:
		p.phase = ""
	case chat.EventChunk:
		if ev.Phase != "" && ev.Phase != p.phase {
			p.phase = ev.Phase
			fmt.Fprintf(p.out, "  %s\n", chat.StreamBuffer{Phase: ev.Phase}.PhaseLabel())
		}
	case chat.EventTurn:
		p.phase = ""
		if ev.Turn != nil {
			printTurn(p.out, *ev.Turn)
		}
	}
}

func printTurn(out io.Writer, t chat.Turn) {
	if t.Failed() {
		fmt.Fprintf(out, "! %s\n", t.Error)
		if t.Content != "" && t.Content != t.Error {
			fmt.Fprintln(out, t.Content)
		}
		return
	}
	fmt.Fprintln(out, t.Content)
	if t.GeneratedQuery != "" {
		fmt.Fprintf(out, "\n  %s\n\n", t.GeneratedQuery)
	}
	printResult(out, t.ResultPreview, t.FullResultRowCount)
	if t.ExecutionTimeMS > 0 {
		fmt.Fprintf(out, "(%d ms)\n", t.ExecutionTimeMS)
	}
}
