package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a reconciliation sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/sweeps", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}
}

func newRequestsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List backup requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "trip <trip_id>",
		Short:   "List every request for a trip",
		Args:    cobra.ExactArgs(1),
		Example: `  tripdeskctl requests trip kyoto-2026-06`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/trips/"+url.PathEscape(args[0])+"/requests", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sensei <sensei_id>",
		Short: "List every request offered to a sensei",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/senseis/"+url.PathEscape(args[0])+"/requests", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	})
	return cmd
}

func newRespondCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "respond <request_id> accept|decline",
		Short: "Accept or decline a backup request",
		Args:  cobra.ExactArgs(2),
		Example: `  tripdeskctl respond 6f1c... accept
  tripdeskctl respond 6f1c... decline --reason "family event"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[1] {
			case "accept", "decline":
			default:
				return fmt.Errorf("decision must be accept or decline, got %q", args[1])
			}
			data, err := newClient().post("/api/v1/requests/"+url.PathEscape(args[0])+"/respond", map[string]string{
				"decision": args[1],
				"reason":   reason,
			})
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the response")
	return cmd
}

func newOverrideCommand() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "override <trip_id> <sensei_id>",
		Short: "Assign a backup sensei directly, ignoring conflicts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/trips/"+url.PathEscape(args[0])+"/override", map[string]interface{}{
				"sensei_id": args[1],
				"admin":     admin,
			})
			if err != nil {
				return err
			}
			outputJSON(cmd, data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Act with administrator privileges (required)")
	return cmd
}
