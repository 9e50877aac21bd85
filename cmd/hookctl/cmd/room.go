package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/roomhook/internal/room"
	"github.com/austindbirch/roomhook/internal/validation"
)

// roomCmd represents the room command
var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms and their webhook destination",
	Long:  `Create, inspect and delete rooms, rotate their signing secret and send test webhooks.`,
}

var roomSetCmd = &cobra.Command{
	Use:   "set [room-id]",
	Short: "Create or update a room",
	Long: `Create a room or update one you own. An empty --secret keeps the current
secret, or generates one when the room has none. An empty --url disables
the webhook and cancels outstanding deliveries.

Example:
  hookctl room set standup --name "Daily standup" --url https://example.com/hooks`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		webhookURL, _ := cmd.Flags().GetString("url")
		secret, _ := cmd.Flags().GetString("secret")

		ctx, cancel := requestContext()
		defer cancel()
		var r room.Room
		body := map[string]string{"name": name, "webhook_url": webhookURL, "webhook_secret": secret}
		if err := callAPI(ctx, http.MethodPut, roomPath(args[0]), body, &r, nil); err != nil {
			return fmt.Errorf("failed to save room: %w", err)
		}
		printRoom(cmd.OutOrStdout(), r)
		return nil
	},
}

var roomGetCmd = &cobra.Command{
	Use:   "get [room-id]",
	Short: "Show a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var r room.Room
		if err := callAPI(ctx, http.MethodGet, roomPath(args[0]), nil, &r, nil); err != nil {
			return fmt.Errorf("failed to get room: %w", err)
		}
		printRoom(cmd.OutOrStdout(), r)
		return nil
	},
}

var roomDeleteCmd = &cobra.Command{
	Use:   "delete [room-id]",
	Short: "Delete a room and cancel its outstanding deliveries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		if err := callAPI(ctx, http.MethodDelete, roomPath(args[0]), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Room %s deleted\n", args[0])
		return nil
	},
}

var roomRotateCmd = &cobra.Command{
	Use:   "rotate [room-id]",
	Short: "Rotate the webhook signing secret",
	Long: `Replace the signing secret of a room. Deliveries created before the
rotation keep signing with the old secret.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var r room.Room
		if err := callAPI(ctx, http.MethodPost, roomPath(args[0])+"/webhook/rotate", nil, &r, nil); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		printRoom(cmd.OutOrStdout(), r)
		return nil
	},
}

var roomTestCmd = &cobra.Command{
	Use:   "test [room-id]",
	Short: "Send a test webhook to the saved destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var res validation.Result
		if err := callAPI(ctx, http.MethodPost, roomPath(args[0])+"/webhook/test", nil, &res, nil); err != nil {
			return fmt.Errorf("failed to test webhook: %w", err)
		}
		printTestResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func roomPath(id string) string {
	return "/v1/rooms/" + url.PathEscape(id)
}

func printRoom(w io.Writer, r room.Room) {
	if outputJSON {
		printOutput(w, r)
		return
	}
	fmt.Fprintf(w, "Room: %s\n", r.ID)
	fmt.Fprintf(w, "  Name: %s\n", r.Name)
	if r.Destination.Enabled() {
		fmt.Fprintf(w, "  Webhook URL: %s\n", r.Destination.URL)
		fmt.Fprintf(w, "  Webhook secret: %s\n", r.Destination.Secret)
	} else {
		fmt.Fprintln(w, "  Webhook: disabled")
	}
	fmt.Fprintf(w, "  Updated: %s\n", formatTime(r.UpdatedAt))
}

func printTestResult(w io.Writer, res validation.Result) {
	if outputJSON {
		printOutput(w, res)
		return
	}
	if res.Success {
		fmt.Fprintf(w, "✓ Webhook accepted (HTTP %d, %dms)\n", res.StatusCode, res.LatencyMS)
		return
	}
	fmt.Fprintf(w, "✗ Webhook test failed (%s)", res.Kind)
	if res.StatusCode > 0 {
		fmt.Fprintf(w, " HTTP %d", res.StatusCode)
	}
	if res.Error != "" {
		fmt.Fprintf(w, ": %s", res.Error)
	}
	fmt.Fprintln(w)
}

func init() {
	rootCmd.AddCommand(roomCmd)
	roomCmd.AddCommand(roomSetCmd, roomGetCmd, roomDeleteCmd, roomRotateCmd, roomTestCmd)

	roomSetCmd.Flags().String("name", "", "room name shown in webhook payloads")
	roomSetCmd.Flags().String("url", "", "webhook URL (empty disables the webhook)")
	roomSetCmd.Flags().String("secret", "", "webhook signing secret (empty keeps or generates one)")
}
