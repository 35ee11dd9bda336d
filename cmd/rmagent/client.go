package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rmagent/internal/jsoncodec"
	"rmagent/riemann"
)

// collectorFlags are the connection flags shared by one-shot commands.
type collectorFlags struct {
	host      string
	port      int
	transport string
	timeout   time.Duration
	verbose   bool
}

// bind registers the flags on cmd.
func (f *collectorFlags) bind(cmd *cobra.Command, defaultTransport string) {
	flags := cmd.Flags()
	flags.StringVar(&f.host, "host", "localhost", "collector host")
	flags.IntVar(&f.port, "port", riemann.DefaultPort, "collector port")
	flags.StringVar(&f.transport, "transport", defaultTransport, "transport: stream or datagram")
	flags.DurationVar(&f.timeout, "timeout", 5*time.Second, "dial and I/O timeout")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "log client activity to stderr")
}

// newClient builds a client that fails fast instead of waiting for reconnects.
// Params: stderr log destination.
// Returns: client or configuration error.
func (f *collectorFlags) newClient(stderr io.Writer) (*riemann.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if f.verbose {
		logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return riemann.New(riemann.Config{
		Host:        f.host,
		Port:        f.port,
		Transport:   f.transport,
		DialTimeout: f.timeout,
		IOTimeout:   f.timeout,
	}, riemann.WithLogger(logger))
}

// newSendCommand publishes one event.
// Params: none.
// Returns: send command.
func newSendCommand() *cobra.Command {
	var (
		conn        collectorFlags
		service     string
		state       string
		description string
		metric      float64
		ttl         int32
		eventHost   string
		tags        []string
		attributes  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one event to the collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := conn.newClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if conn.transport == riemann.TransportStream {
				if err := client.Connect(ctx); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
			}

			opts := []riemann.EventOption{riemann.WithTags(tags...), riemann.WithAttributes(attributes)}
			if ttl > 0 {
				opts = append(opts, riemann.WithTTL(ttl))
			}
			if eventHost != "" {
				opts = append(opts, riemann.WithHost(eventHost))
			}
			if err := client.SendEvent(ctx, service, state, description, metric, opts...); err != nil {
				return fmt.Errorf("send event: %w", err)
			}
			return nil
		},
	}

	conn.bind(cmd, riemann.TransportStream)
	flags := cmd.Flags()
	flags.StringVar(&service, "service", "", "event service (required)")
	flags.StringVar(&state, "state", "ok", "event state")
	flags.StringVar(&description, "description", "", "event description")
	flags.Float64Var(&metric, "metric", 0, "event metric")
	flags.Int32Var(&ttl, "ttl", 0, "event TTL in seconds (0 = collector default)")
	flags.StringVar(&eventHost, "event-host", "", "event host (default: canonical local hostname)")
	flags.StringSliceVarP(&tags, "tag", "t", nil, "event tag (repeatable)")
	flags.StringToStringVarP(&attributes, "attr", "a", nil, "event attribute key=value (repeatable)")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

// stateView is the JSON form of one query result.
type stateView struct {
	Time        time.Time         `json:"time"`
	Host        string            `json:"host"`
	Service     string            `json:"service"`
	State       string            `json:"state"`
	Description string            `json:"description,omitempty"`
	Metric      float64           `json:"metric"`
	TTL         float32           `json:"ttl,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// newQueryCommand runs one index query.
// Params: none.
// Returns: query command.
func newQueryCommand() *cobra.Command {
	var (
		conn   collectorFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "query EXPRESSION",
		Short: `Query the collector index, e.g. 'service = "cpu" and state = "critical"'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "text" {
				return fmt.Errorf("unsupported output %q", output)
			}

			client, err := conn.newClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			states, err := client.Query(ctx, args[0])
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			if output == "text" {
				return writeStatesText(cmd.OutOrStdout(), states)
			}
			return writeStatesJSON(cmd.OutOrStdout(), states)
		},
	}

	conn.bind(cmd, riemann.TransportStream)
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or text")
	return cmd
}

// writeStatesJSON prints states as an indented JSON array.
// Params: out destination; states query result.
// Returns: encode error.
func writeStatesJSON(out io.Writer, states []riemann.State) error {
	views := make([]stateView, 0, len(states))
	for _, st := range states {
		views = append(views, stateView{
			Time:        st.Time.UTC(),
			Host:        st.Host,
			Service:     st.Service,
			State:       st.State,
			Description: st.Description,
			Metric:      st.Metric,
			TTL:         st.TTL,
			Tags:        st.Tags,
			Attributes:  st.Attributes,
		})
	}
	return jsoncodec.NewIndentEncoder(out, "  ").Encode(views)
}

// writeStatesText prints one aligned line per state; state names are colored on a terminal.
// Params: out destination; states query result.
// Returns: write error.
func writeStatesText(out io.Writer, states []riemann.State) error {
	color := false
	if file, ok := out.(*os.File); ok {
		color = term.IsTerminal(int(file.Fd()))
	}

	for _, st := range states {
		stateText := st.State
		if color {
			stateText = colorState(st.State)
		}
		line := fmt.Sprintf("%-24s %-32s %-10s %g", st.Host, st.Service, stateText, st.Metric)
		if len(st.Tags) > 0 {
			line += " [" + strings.Join(st.Tags, ",") + "]"
		}
		if st.Description != "" {
			line += " " + st.Description
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

// colorState wraps a state name in its ANSI color.
func colorState(state string) string {
	switch state {
	case "ok":
		return "\x1b[32m" + state + "\x1b[0m"
	case "warning":
		return "\x1b[33m" + state + "\x1b[0m"
	case "critical":
		return "\x1b[31m" + state + "\x1b[0m"
	default:
		return state
	}
}
