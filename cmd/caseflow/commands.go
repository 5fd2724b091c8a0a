package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/petrijr/caseflow/internal/app"
	"github.com/petrijr/caseflow/internal/config"
	"github.com/petrijr/caseflow/internal/natsbridge"
)

type globalFlags struct {
	configPath string
	logLevel   string
	server     string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable case orchestration for customer retention",
		Long: `caseflow runs the customer retention and interactive conversation
workflows on a durable, event-sourced engine.

"caseflow serve" starts workers, the HTTP API, the NATS signal bridge and
the metrics endpoint. The other commands talk to a running server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.server, "server", envOr("CASEFLOW_SERVER", "http://localhost:8080"), "caseflow API base URL")

	cmd.AddCommand(
		serveCmd(g),
		startCmd(g),
		signalCmd(g),
		resultCmd(g),
		historyCmd(g),
		versionCmd(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the HTTP API and the NATS signal bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			logger.Info("caseflow ready", "version", Version, "storage", cfg.Storage.Backend, "queue", cfg.Queue.Backend)
			return a.Serve(ctx)
		},
	}
}

// readPayload returns the JSON given inline, from a file, or "-" for stdin.
func readPayload(in io.Reader, inline, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --data or --file")
	case file == "-":
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, err
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return json.RawMessage("null"), nil
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

func startCmd(g *globalFlags) *cobra.Command {
	var data, file, id string
	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a workflow instance",
		Example: `  caseflow start customer_retention --data '{"subjectId":5,"complaintDetails":"GPU delayed","urgencyLevel":"urgent"}'
  caseflow start interactive_conversation --file query.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}
			c := newClient(g.server)
			inst, err := c.start(cmd.Context(), args[0], id, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Input as inline JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Input JSON file, - for stdin")
	cmd.Flags().StringVar(&id, "id", "", "Instance ID (generated when empty)")
	return cmd
}

func signalCmd(g *globalFlags) *cobra.Command {
	var data, file, via, natsURL, prefix string
	cmd := &cobra.Command{
		Use:   "signal <instance-id> <signal>",
		Short: "Send a signal to a running instance",
		Example: `  caseflow signal 3f2a... approve_resolution --data '{"approve":false,"followUp":"Offer expedited shipping"}'
  caseflow signal 3f2a... user_feedback --data '[true, "What about order 42?"]' --via nats`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			switch via {
			case "http":
				err = newClient(g.server).signal(ctx, args[0], args[1], payload)
			case "nats":
				var nc *nats.Conn
				if nc, err = nats.Connect(natsURL, nats.Name("caseflow-cli")); err != nil {
					return fmt.Errorf("connect to NATS: %w", err)
				}
				defer nc.Close()
				err = natsbridge.Send(ctx, nc, prefix, args[0], args[1], payload)
			default:
				return fmt.Errorf("--via must be http or nats, got %q", via)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "signal %s sent to %s\n", args[1], args[0])
			return err
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "Payload as inline JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Payload JSON file, - for stdin")
	cmd.Flags().StringVar(&via, "via", "http", "Transport: http or nats")
	cmd.Flags().StringVar(&natsURL, "nats-url", envOr("CASEFLOW_NATS_URL", nats.DefaultURL), "NATS server URL for --via nats")
	cmd.Flags().StringVar(&prefix, "nats-prefix", natsbridge.DefaultPrefix, "Signal subject prefix for --via nats")
	return cmd
}

func resultCmd(g *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "result <instance-id>",
		Short: "Print the result of an instance, waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, done, err := newClient(g.server).result(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), inst); err != nil {
				return err
			}
			if !done {
				return fmt.Errorf("instance %s still running after %s", args[0], wait)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 30*time.Second, "How long to wait for completion")
	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Print the event history of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient(g.server).history(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ev := range events {
				line := fmt.Sprintf("%4d  %s  %-22s %s", ev.Seq, ev.At.Format(time.RFC3339), ev.Type, ev.Name)
				if ev.Error != "" {
					line += "  error=" + ev.Error
				}
				if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
