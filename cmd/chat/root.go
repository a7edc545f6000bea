package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chat-relay/internal/chatclient"
	"chat-relay/internal/conversation"
)

const (
	defaultURL      = "http://localhost:3001"
	defaultSystem   = "You are a helpful assistant. Answer briefly and clearly, with steps when useful."
	defaultGreeting = "Hi, I'm a bot. Ask me anything."
)

type chatOptions struct {
	url      string
	model    string
	system   string
	greeting string
	stream   bool
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the relay from the terminal",
		Long: "Reads one message per line from stdin and prints the reply. " +
			"The full transcript is resent on every turn.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, in, out)
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", defaultURL, "relay base URL")
	f.StringVar(&opts.model, "model", "", "model to request (relay default when empty)")
	f.StringVar(&opts.system, "system", defaultSystem, "system directive sent ahead of the history")
	f.StringVar(&opts.greeting, "greeting", defaultGreeting, "opening bot message, part of the history")
	f.BoolVar(&opts.stream, "stream", false, "stream replies as they are generated")

	cmd.AddCommand(newLedgerCmd())
	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := chatclient.New(opts.url, chatclient.WithModel(opts.model))
	if err != nil {
		return err
	}

	topts := []conversation.Option{
		conversation.WithSystemPrompt(opts.system),
		conversation.WithGreeting(opts.greeting),
	}
	if opts.stream {
		echo := &streamEcho{out: out}
		topts = append(topts,
			conversation.WithStreaming(client),
			conversation.WithOnChange(echo.onChange),
		)
	}
	tr, err := conversation.New(client, topts...)
	if err != nil {
		return err
	}

	if opts.greeting != "" {
		fmt.Fprintf(out, "bot> %s\n", opts.greeting)
	}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		tk, ok := tr.Submit(ctx, text)
		if !ok {
			continue
		}
		entry, err := tk.Wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case opts.stream && err == nil:
			fmt.Fprintln(out)
		case opts.stream:
			fmt.Fprintf(out, "\n%s\n", entry.Text)
		default:
			fmt.Fprintf(out, "bot> %s\n", entry.Text)
		}
	}
}

// streamEcho renders a streaming reply from transcript snapshots. A grown
// transcript opens a new bot line; later snapshots print whatever the reply
// gained since. Failures are left to the REPL. Snapshots arrive one at a time.
type streamEcho struct {
	out   io.Writer
	count int
	shown string
}

func (e *streamEcho) onChange(entries []conversation.Entry) {
	if len(entries) != e.count {
		e.count, e.shown = len(entries), ""
		fmt.Fprint(e.out, "bot> ")
		return
	}
	last := entries[len(entries)-1]
	if last.State == conversation.Failed || !strings.HasPrefix(last.Text, e.shown) {
		return
	}
	fmt.Fprint(e.out, last.Text[len(e.shown):])
	e.shown = last.Text
}
