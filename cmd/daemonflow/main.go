package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RealZimboGuy/daemonflow/internal/actions"
	"github.com/RealZimboGuy/daemonflow/internal/config"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

var (
	configFile string

	submitType        string
	submitInput       string
	submitActions     []string
	submitMaxAttempts int
	submitParallel    bool
	submitExternalID  string
)

var rootCmd = &cobra.Command{
	Use:   "daemonflow",
	Short: "Durable workflow engine",
	Long: `daemonflow runs workflow instances made of actions and keeps their state
in a database so work survives restarts.

Examples:
  # run the engine
  daemonflow serve

  # submit a two step instance
  daemonflow submit --type order --action demo.echo='{"id":1}' --action demo.flaky='{"failAttempts":1}' --max-attempts 3

  # inspect it
  daemonflow show 1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			configFile = os.Getenv(config.CONFIG_FILE)
		}
		if configFile != "" {
			if err := config.LoadSettingsFile(configFile); err != nil {
				return err
			}
		}
		daemonflow.SetupLogger(config.GetSystemSettingString(config.LOG_LEVEL))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		slog.Info("Starting daemonflow engine")
		if err := d.Run(ctx); err != nil {
			slog.Error("Engine exited with error", "error", err)
			return err
		}
		slog.Info("Engine stopped")
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSubmitRequest()
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		id, err := d.SubmitInstance(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Request cancellation of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()
		return d.CancelInstance(cmd.Context(), id)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Print an instance with its actions and results as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		detail, err := d.GetInstanceDetail(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

func openDaemon() (*daemonflow.Daemon, error) {
	d, err := daemonflow.New()
	if err != nil {
		return nil, err
	}
	actions.Register(d.Registry())
	return d, nil
}

func parseInstanceID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}

// parseActionFlag splits "type=json". The input part is optional.
func parseActionFlag(v string) (string, []byte, error) {
	actionType, input, _ := strings.Cut(v, "=")
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return "", nil, fmt.Errorf("action %q: missing type", v)
	}
	if input == "" {
		return actionType, nil, nil
	}
	if !json.Valid([]byte(input)) {
		return "", nil, fmt.Errorf("action %s: input is not valid JSON", actionType)
	}
	return actionType, []byte(input), nil
}

func buildSubmitRequest() (models.SubmitInstanceRequest, error) {
	req := models.SubmitInstanceRequest{
		ExternalID:    submitExternalID,
		WorkflowType:  submitType,
		ExecutionMode: domain.ModeSequential,
	}
	if submitParallel {
		req.ExecutionMode = domain.ModeParallel
	}
	if submitInput != "" {
		if !json.Valid([]byte(submitInput)) {
			return req, fmt.Errorf("--input is not valid JSON")
		}
		req.InputBody = []byte(submitInput)
	}
	for _, v := range submitActions {
		actionType, input, err := parseActionFlag(v)
		if err != nil {
			return req, err
		}
		a := models.AppendActionRequest{ActionType: actionType, InputBody: input}
		if submitMaxAttempts > 0 {
			a.MaxAttempts = models.MaxAttemptsOf(submitMaxAttempts)
		}
		req.Actions = append(req.Actions, a)
	}
	return req, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML settings file (also "+config.CONFIG_FILE+")")

	submitCmd.Flags().StringVarP(&submitType, "type", "t", "", "workflow type")
	submitCmd.Flags().StringVarP(&submitInput, "input", "i", "", "instance input as JSON")
	submitCmd.Flags().StringArrayVarP(&submitActions, "action", "a", nil, "action as type=json, repeatable")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "attempts allowed per action (0 means one)")
	submitCmd.Flags().BoolVar(&submitParallel, "parallel", false, "run actions in parallel")
	submitCmd.Flags().StringVar(&submitExternalID, "external-id", "", "idempotency key, generated when empty")
	_ = submitCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(serveCmd, submitCmd, cancelCmd, showCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
