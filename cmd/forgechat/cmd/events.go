package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

var (
	eventsSession string
	eventsSince   time.Duration
	eventsLimit   int
	eventsTypes   []string
	eventsJSON    bool
	eventsCleanup time.Duration
)

// eventQuery builds the store query from the command line; since is zero
// for no bound
func eventQuery(sessionPrefix string, types []string, since time.Time, limit int) events.Query {
	q := events.Query{SessionPrefix: sessionPrefix, Since: since, Limit: limit}
	for _, t := range types {
		q.Types = append(q.Types, events.EventType(t))
	}
	return q
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// decodePayload converts a payload read back from the store, which is
// generic JSON, into v
func decodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// describeEvent summarises a stored event on one line
func describeEvent(e events.Event[any]) string {
	switch e.Type {
	case events.StatusChanged:
	case events.ApiErrorOccurred:
		var rec chat.ApiErrorRecord
		if err := decodePayload(e.Payload, &rec); err != nil {
			return fmt.Sprint(e.Payload)
		}
		return rec.String()
	default:
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Sprint(e.Payload)
		}
		return llm.FormatValue(string(data))
	}

	var se chat.StatusEvent
	if err := decodePayload(e.Payload, &se); err != nil {
		return fmt.Sprint(e.Payload)
	}
	s := fmt.Sprintf("%s -> %s after %s", se.Old.DisplayName(), se.New.DisplayName(), se.Elapsed.Round(time.Millisecond))
	if se.Tool != "" {
		s += " (" + se.Tool + ")"
	}
	if se.Error != nil {
		s += ": " + se.Error.String()
	}
	return s
}

func printEvents(w io.Writer, list []events.Event[any]) {
	for _, e := range list {
		fmt.Fprintf(w, "%s  %-26s %-8s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05.000"), e.Type, shortID(e.SessionID), describeEvent(e))
	}
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the persisted session event log",
	Long: `Show status transitions and other events persisted by chat sessions,
oldest first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		path, err := a.paths.EventsDatabasePath()
		if err != nil {
			return err
		}
		store, err := events.OpenSQLStore(path)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if eventsCleanup > 0 {
			n, err := store.Cleanup(cmd.Context(), time.Now().Add(-eventsCleanup))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d event(s) older than %s\n", n, eventsCleanup)
			return nil
		}

		var since time.Time
		if eventsSince > 0 {
			since = time.Now().Add(-eventsSince)
		}
		list, err := store.Find(cmd.Context(), eventQuery(eventsSession, eventsTypes, since, eventsLimit))
		if err != nil {
			return err
		}

		if eventsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No events")
			return nil
		}
		printEvents(out, list)
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsSession, "session", "s", "", "Only events of this session (id or id prefix)")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this, e.g. 1h")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Number of most recent events, 0 for all")
	eventsCmd.Flags().StringSliceVarP(&eventsTypes, "type", "t", nil, "Only these event types, e.g. chat.status.changed")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print JSON")
	eventsCmd.Flags().DurationVar(&eventsCleanup, "cleanup", 0, "Delete events older than this and exit")
	rootCmd.AddCommand(eventsCmd)
}
