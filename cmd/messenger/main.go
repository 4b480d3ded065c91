// Command messenger publishes and consumes envelopes from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	messenger "github.com/nbittich/v3"
	"github.com/nbittich/v3/domain"
	"github.com/nbittich/v3/internal/logging"
	"github.com/nbittich/v3/internal/reliability"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	exchange  string
	app       string
	url       string
	logLevel  string
	logFormat string

	// appended to the messenger options, used by tests to swap the dialer
	extra []messenger.Option
}

func newRootCmd(extra ...messenger.Option) *cobra.Command {
	c := &cli{extra: extra}

	rootCmd := &cobra.Command{
		Use:          "messenger",
		Short:        "Publish and consume messenger envelopes",
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&c.exchange, "exchange", "e", domain.UserExchange, "Topic exchange")
	rootCmd.PersistentFlags().StringVarP(&c.app, "app", "a", "messenger_cli", "Application name used as sender and queue prefix")
	rootCmd.PersistentFlags().StringVarP(&c.url, "url", "u", "", "Broker URL (defaults to AMQP_HOST/AMQP_PORT)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "text", "Log format (json or text)")

	rootCmd.AddCommand(c.publishCmd(), c.consumeCmd(), c.createUserCmd())
	return rootCmd
}

func (c *cli) connect(cmd *cobra.Command) (*messenger.Messenger, error) {
	logger := logging.New(logging.Config{
		Level:   c.logLevel,
		Format:  c.logFormat,
		Service: c.app,
		Output:  cmd.ErrOrStderr(),
	})

	options := []messenger.Option{messenger.WithLogger(logger)}
	if c.url != "" {
		options = append(options, messenger.WithBrokerURL(c.url))
	}
	options = append(options, c.extra...)

	return messenger.New(cmd.Context(), c.exchange, c.app, options...)
}

func (c *cli) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <routing-key> <json-payload>",
		Short: "Publish a JSON payload and wait for the broker confirmation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}

			m, err := c.connect(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			confirmation, err := m.Publish(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), confirmation)
			if confirmation != messenger.Acknowledged {
				return fmt.Errorf("broker did not acknowledge the message: %s", confirmation)
			}
			return nil
		},
	}
}

// printedEnvelope is one line of consume output
type printedEnvelope struct {
	ID           string          `json:"id"`
	CreationDate time.Time       `json:"creation_date"`
	Sender       string          `json:"sender"`
	Payload      json.RawMessage `json:"payload"`
}

func (c *cli) consumeCmd() *cobra.Command {
	var closeAfter int

	cmd := &cobra.Command{
		Use:   "consume <routing-key>",
		Short: "Print envelopes delivered to the application queue as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.connect(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			var options []messenger.ConsumeOption
			if closeAfter > 0 {
				options = append(options, messenger.WithCloseAfter(closeAfter))
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			err = m.ConsumeAndAck(cmd.Context(), args[0], func(_ context.Context, env *messenger.Envelope) error {
				return encoder.Encode(toPrinted(env))
			}, options...)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&closeAfter, "close-after", "n", 0, "Stop after this many deliveries (0 consumes until interrupted)")
	return cmd
}

func toPrinted(env *messenger.Envelope) printedEnvelope {
	payload := json.RawMessage(env.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(env.Payload))
	}
	return printedEnvelope{
		ID:           env.ID,
		CreationDate: env.CreationDate,
		Sender:       env.Sender,
		Payload:      payload,
	}
}

func (c *cli) createUserCmd() *cobra.Command {
	var (
		cmdPayload domain.CreateUserCommand
		attempts   int
	)

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Send a create user command to the user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdPayload.DomainMetadata = domain.NewMetadata("")
			if cmdPayload.ConfirmPassword == "" {
				cmdPayload.ConfirmPassword = cmdPayload.Password
			}
			if err := cmdPayload.Validate(); err != nil {
				return err
			}

			m, err := c.connect(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, attempts)
			var confirmation messenger.Confirmation
			err = reliability.Retry(cmd.Context(), "create-user", policy, func(ctx context.Context) error {
				var publishErr error
				confirmation, publishErr = m.Publish(ctx, domain.CreateUserCommandKey, cmdPayload)
				return publishErr
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cmdPayload.DomainMetadata.ID, confirmation)
			if confirmation != messenger.Acknowledged {
				return fmt.Errorf("broker did not acknowledge the command: %s", confirmation)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cmdPayload.Nickname, "nickname", "", "Nickname")
	cmd.Flags().StringVar(&cmdPayload.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&cmdPayload.Password, "password", "", "Password")
	cmd.Flags().StringVar(&cmdPayload.ConfirmPassword, "confirm-password", "", "Password confirmation (defaults to --password)")
	cmd.Flags().IntVar(&attempts, "retries", 3, "Publish retries on transient broker errors")
	return cmd
}
