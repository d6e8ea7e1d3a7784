package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "session",
		Short: "Inspect live sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use: "list",
		Short: "List live receive handles",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			handles, err := client.ListHandles(context.Background())
			if err != nil {
				return fmt.Errorf("list handles: %w", err)
			}

			out, err := formatHandles(handles, outputFormat)
			if err != nil {
				return fmt.Errorf("format handles: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use: "show <handle>",
		Short: "Show details of one session by receive handle",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("parse handle %q: %w", args[0], err)
			}

			snap, err := client.SessionStats(context.Background(), uint32(handle))
			if err != nil {
				return fmt.Errorf("get session %d: %w", handle, err)
			}

			out, err := formatSession(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
