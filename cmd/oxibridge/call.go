package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/oxibridge/internal/transport"
)

const defaultBridgeAddr = "127.0.0.1:8765"

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <method>",
	Short: "Invoke a bridge method and print its result",
	Long: `Sends one call over the method channel and prints the reply as JSON.

Arguments are passed as key=value pairs. Integer and boolean values are
sent as numbers and booleans, anything else as a string.

Methods:
  connectLastDevice
  scanDevice
  disconnectDevice
  getConnectionState
  startMeasurement       --arg type=2
  stopMeasurement        --arg type=2
  getMeasurementHistory  --arg type=2

Example:
  oxibridge call scanDevice
  oxibridge call startMeasurement --arg type=2`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

var (
	callURL     string
	callArgs    []string
	callTimeout time.Duration
)

func init() {
	callCmd.Flags().StringVar(&callURL, "url", "ws://"+defaultBridgeAddr+transport.DefaultMethodPath, "Method channel URL")
	callCmd.Flags().StringArrayVarP(&callArgs, "arg", "a", nil, "Call argument as key=value (repeatable)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Time to wait for the reply")
}

// parseCallArgs turns key=value pairs into call arguments.
func parseCallArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q (expected key=value)", ErrInvalidArgument, pair)
		}
		if _, dup := args[key]; dup {
			return nil, fmt.Errorf("%w: %q given more than once", ErrInvalidArgument, key)
		}
		args[key] = parseCallValue(raw)
	}
	return args, nil
}

func parseCallValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runCall(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose", logrus.WarnLevel)
	if err != nil {
		return err
	}

	method := args[0]
	callArguments, err := parseCallArgs(callArgs)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	client, err := transport.DialMethods(ctx, callURL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	logger.WithFields(logrus.Fields{
		"method": method,
		"args":   callArguments,
	}).Debug("Invoking")

	result, err := client.Invoke(ctx, method, callArguments)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
