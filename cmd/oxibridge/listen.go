package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/relay"
	"github.com/srg/oxibridge/internal/transport"
	"golang.org/x/term"
)

// Output formats accepted by --format.
const (
	formatAuto = "auto"
	formatText = "text"
	formatJSON = "json"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow the bridge event stream",
	Long: `Connects to the event channel and prints device events as they arrive:
real-time SpO2 samples, measurement completion and disconnects.

The bridge has a single event subscriber. Listening takes the slot over
from any other connected listener.

Example:
  oxibridge listen
  oxibridge listen --format json`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

var (
	listenURL    string
	listenFormat string
)

func init() {
	listenCmd.Flags().StringVar(&listenURL, "url", "ws://"+defaultBridgeAddr+transport.DefaultEventPath, "Event channel URL")
	listenCmd.Flags().StringVarP(&listenFormat, "format", "f", formatAuto, "Output format: auto, text or json")
}

// eventFormatter renders stream events one per line.
type eventFormatter struct {
	json    bool
	colored bool
}

// newEventFormatter resolves format against out. auto picks colored text on a
// terminal and JSON otherwise.
func newEventFormatter(format string, out io.Writer) (*eventFormatter, error) {
	switch format {
	case formatText:
		return &eventFormatter{}, nil
	case formatJSON:
		return &eventFormatter{json: true}, nil
	case formatAuto:
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return &eventFormatter{colored: true}, nil
		}
		return &eventFormatter{json: true}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (must be auto, text or json)", format)
	}
}

func (f *eventFormatter) paint(attr color.Attribute, s string) string {
	c := color.New(attr)
	if f.colored {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

// Format renders ev without a trailing newline.
func (f *eventFormatter) Format(ev channel.Event) (string, error) {
	if f.json {
		data, err := json.Marshal(ev)
		return string(data), err
	}

	switch ev.Method {
	case relay.MethodRealTimeData:
		value, _ := channel.ToInt64(ev.Arguments["bloodOxygenValue"])
		kind, _ := channel.ToInt64(ev.Arguments["dataType"])
		return fmt.Sprintf("%s spo2=%s type=%d",
			f.paint(color.FgCyan, "sample  "), f.paint(color.Bold, fmt.Sprintf("%d%%", value)), kind), nil

	case relay.MethodMeasurementComplete:
		kind, _ := channel.ToInt64(ev.Arguments["type"])
		success, _ := ev.Arguments["success"].(bool)
		outcome := f.paint(color.FgGreen, "success")
		if !success {
			outcome = f.paint(color.FgRed, "failed")
		}
		return fmt.Sprintf("%s type=%d %s", f.paint(color.FgCyan, "complete"), kind, outcome), nil

	case relay.MethodConnectionStateChanged:
		connected, _ := ev.Arguments["connected"].(bool)
		state := f.paint(color.FgYellow, "disconnected")
		if connected {
			state = f.paint(color.FgGreen, "connected")
		}
		return fmt.Sprintf("%s %s", f.paint(color.FgCyan, "state   "), state), nil

	default:
		keys := make([]string, 0, len(ev.Arguments))
		for k := range ev.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Arguments[k]))
		}
		return strings.TrimSpace(fmt.Sprintf("%s %s", f.paint(color.FgMagenta, ev.Method), strings.Join(parts, " "))), nil
	}
}

func runListen(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose", logrus.WarnLevel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	formatter, err := newEventFormatter(listenFormat, out)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := transport.DialEvents(ctx, listenURL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	return printEvents(ctx.Done(), client.Events(), client.Err, formatter, out)
}

// printEvents writes events until the stream closes or done fires. streamErr
// is consulted once the stream has closed.
func printEvents(done <-chan struct{}, events <-chan channel.Event, streamErr func() error, f *eventFormatter, out io.Writer) error {
	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := streamErr(); err != nil {
					return fmt.Errorf("%w: %v", ErrStreamFailed, err)
				}
				return nil
			}
			line, err := f.Format(ev)
			if err != nil {
				return fmt.Errorf("failed to render event %s: %w", ev.Method, err)
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		}
	}
}
