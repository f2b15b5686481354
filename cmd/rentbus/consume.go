package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/messaging"
)

// printer writes received messages one block at a time and stops the
// command once limit messages were shown
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	seen  int
	limit int
	done  chan struct{}
	once  sync.Once
}

func newPrinter(out io.Writer, limit int) *printer {
	return &printer{out: out, limit: limit, done: make(chan struct{})}
}

func (p *printer) Handle(ctx context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen++
	printMessage(p.out, p.seen, msg)

	if p.limit > 0 && p.seen >= p.limit {
		p.once.Do(func() { close(p.done) })
	}
	return nil
}

func (p *printer) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.done:
	}
}

func printMessage(w io.Writer, n int, msg *messaging.Message) {
	d := msg.Delivery
	fmt.Fprintf(w, "Message %d:\n", n)
	fmt.Fprintf(w, "  Queue: %s\n", msg.Queue)
	fmt.Fprintf(w, "  Type: %s\n", msg.Type())
	fmt.Fprintf(w, "  ID: %s\n", d.MessageId)
	if d.CorrelationId != "" {
		fmt.Fprintf(w, "  Correlation ID: %s\n", d.CorrelationId)
	}
	if !d.Timestamp.IsZero() {
		fmt.Fprintf(w, "  Timestamp: %s\n", d.Timestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Redelivered: %t\n", d.Redelivered)
	if retries := msg.RetryCount(); retries > 0 {
		fmt.Fprintf(w, "  Retry Count: %d\n", retries)
	}
	if len(d.Headers) > 0 {
		keys := make([]string, 0, len(d.Headers))
		for k := range d.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "  Headers:\n")
		for _, k := range keys {
			fmt.Fprintf(w, "    %s: %v\n", k, d.Headers[k])
		}
	}
	fmt.Fprintf(w, "  Data: %s\n", strings.TrimSpace(string(msg.Envelope.Data)))
	fmt.Fprintln(w, strings.Repeat("-", 80))
}

func newConsumeCommand(flags *globalFlags) *cobra.Command {
	var (
		ack             bool
		maxRedeliveries int
		count           int
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print messages from a work queue",
		Long: `Consume a work queue and print every message. Without --ack messages are
auto-acknowledged; with --ack they are acknowledged after printing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			p := newPrinter(cmd.OutOrStdout(), count)
			if ack {
				_, err = client.ConsumeQueueWithAck(ctx, args[0], p, messaging.WithMaxRedeliveries(maxRedeliveries))
			} else {
				_, err = client.ConsumeQueue(ctx, args[0], p)
			}
			if err != nil {
				return fmt.Errorf("consume %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "consuming %s... Press Ctrl+C to stop\n", args[0])
			p.wait(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", false, "Acknowledge manually")
	cmd.Flags().IntVar(&maxRedeliveries, "max-redeliveries", 3, "Redeliveries before dead-lettering (with --ack)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages (0 for no limit)")

	return cmd
}

func newSubscribeCommand(flags *globalFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe <exchange>",
		Short: "Print every message broadcast on a fanout exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			p := newPrinter(cmd.OutOrStdout(), count)
			exchange := contracts.Exchange{Name: args[0], Type: "fanout"}
			if _, err := client.SubscribeToQueue(ctx, exchange, args[0], p); err != nil {
				return fmt.Errorf("subscribe to %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "subscribed to %s... Press Ctrl+C to stop\n", args[0])
			p.wait(ctx)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages (0 for no limit)")

	return cmd
}
