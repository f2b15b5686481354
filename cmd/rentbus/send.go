package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	rentbus "github.com/rentalhub/rentbus-go"
	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/messaging"
)

// connect builds a client from the layered config and dials it
func connect(ctx context.Context, flags *globalFlags, options ...rentbus.ClientOption) (*rentbus.Client, error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := flags.logger()
	if err != nil {
		return nil, err
	}

	client := rentbus.NewClientFromConfig(cfg, append([]rentbus.ClientOption{rentbus.WithLogger(logger)}, options...)...)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// envelopeFromArgs builds an envelope from a kind and an optional JSON payload
func envelopeFromArgs(args []string) (contracts.Envelope, error) {
	data := json.RawMessage("null")
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return contracts.Envelope{}, fmt.Errorf("data is not valid JSON: %s", args[1])
		}
		data = json.RawMessage(args[1])
	}
	return contracts.Envelope{Type: args[0], Data: data}, nil
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "send <queue> <type> [data-json]",
		Short:   "Send a message to a work queue",
		Example: `  rentbus send chat-service-create-chat-queue READ_CHAT '{"conversationId":"c-1","userId":"u-1"}'`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelopeFromArgs(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SendToQueue(ctx, args[0], env); err != nil {
				return fmt.Errorf("send to %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", env.Type, args[0])
			return nil
		},
	}
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "publish <exchange> <type> [data-json]",
		Short:   "Broadcast a message through a fanout exchange",
		Example: `  rentbus publish property-service-exchange PROPERTY_DELETED '{"id":"p-1"}'`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelopeFromArgs(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			exchange := contracts.Exchange{Name: args[0], Type: "fanout"}
			if err := client.PublishInQueue(ctx, exchange, args[0], env); err != nil {
				return fmt.Errorf("publish to %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", env.Type, args[0])
			return nil
		},
	}
}

func newRequestCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "request <queue> <type> [data-json]",
		Short:   "Send a synchronous request and print the reply",
		Example: `  rentbus request sync-message-queue GET_CONTRACT_BY_ID '{"contractId":"c-1","userId":"u-1"}'`,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelopeFromArgs(args[1:])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.SendSyncMessage(ctx, args[0], env, messaging.WithTimeout(timeout))
			if err != nil {
				return fmt.Errorf("request to %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Reply timeout (0 waits until interrupted)")

	return cmd
}
