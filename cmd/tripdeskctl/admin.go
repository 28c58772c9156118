package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newAlertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and resolve escalation alerts",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if all {
				params.Set("include_resolved", "true")
			}
			data, err := newClient().get("/api/v1/alerts", params)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "Include resolved alerts")

	resolve := &cobra.Command{
		Use:   "resolve <trip_id>",
		Short: "Resolve a trip's escalation so automation resumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/trips/"+url.PathEscape(args[0])+"/escalation/resolve", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change automation settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show current automation settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/settings", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Change automation settings",
		Example: `  tripdeskctl settings set min_match_score=70 retry_after_hours=6
  tripdeskctl settings set enabled=false`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := parseAssignments(args)
			if err != nil {
				return err
			}
			data, err := newClient().put("/api/v1/settings", update)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	})
	return cmd
}

// parseAssignments turns key=value arguments into a JSON settings patch
func parseAssignments(args []string) (map[string]interface{}, error) {
	update := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch value {
		case "true", "false":
			update[key] = value == "true"
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: value must be an integer or boolean, got %q", key, value)
		}
		update[key] = n
	}
	return update, nil
}

func newEventsCommand() *cobra.Command {
	var (
		tripID    string
		eventType string
		limit     int
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Example: `  tripdeskctl events --trip kyoto --limit 20
  tripdeskctl events --follow --type escalation.raised`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if tripID != "" {
				params.Set("trip_id", tripID)
			}
			if eventType != "" {
				params.Set("type", eventType)
			}
			if follow {
				return followEvents(cmd, params)
			}
			params.Set("limit", strconv.Itoa(limit))
			data, err := newClient().get("/api/v1/events", params)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}
	cmd.Flags().StringVar(&tripID, "trip", "", "Only events for this trip")
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new events over a websocket")
	return cmd
}

// followEvents prints events from the websocket feed until the server closes it
func followEvents(cmd *cobra.Command, params url.Values) error {
	u, err := url.Parse(newClient().BaseURL + "/api/v1/events/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = params.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u, err)
	}
	defer ws.Close()

	for {
		var msg json.RawMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(msg))
	}
}
