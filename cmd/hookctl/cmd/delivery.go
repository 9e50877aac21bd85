package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/payload"
	"github.com/austindbirch/roomhook/internal/validation"
)

type pairView struct {
	delivery.Pair
	EndpointURL string             `json:"endpoint_url"`
	Attempts    []delivery.Attempt `json:"attempts,omitempty"`
}

type eventDeliveries struct {
	Event      delivery.Event `json:"event"`
	Deliveries []pairView     `json:"deliveries"`
}

type completedResult struct {
	EventID  string `json:"event_id,omitempty"`
	PairID   string `json:"pair_id,omitempty"`
	Enqueued bool   `json:"enqueued"`
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and cancel webhook deliveries",
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [event-id]",
	Short: "Get delivery status for an event",
	Long: `Get the delivery state and attempt history for a specific event.

Example:
  hookctl delivery status 01J8Z3...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var resp eventDeliveries
		if err := callAPI(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(args[0])+"/deliveries", nil, &resp, nil); err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printOutput(w, resp)
			return nil
		}
		fmt.Fprintf(w, "Deliveries for event %s (%s):\n", resp.Event.ID, resp.Event.Type)
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(w, "  No deliveries found")
			return nil
		}
		for _, p := range resp.Deliveries {
			printPair(w, p)
			for _, a := range p.Attempts {
				fmt.Fprintf(w, "    Attempt %d: %s", a.Number, a.Outcome)
				if a.StatusCode > 0 {
					fmt.Fprintf(w, " HTTP %d", a.StatusCode)
				}
				if a.Latency > 0 {
					fmt.Fprintf(w, " in %s", a.Latency.Round(time.Millisecond))
				}
				if a.Error != "" {
					fmt.Fprintf(w, " (%s)", a.Error)
				}
				fmt.Fprintf(w, " at %s\n", formatTime(a.ExecutedAt))
			}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [delivery-id]",
	Short: "Cancel a pending or retrying delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var p pairView
		if err := callAPI(ctx, http.MethodPost, "/v1/deliveries/"+url.PathEscape(args[0])+"/cancel", nil, &p, nil); err != nil {
			return fmt.Errorf("failed to cancel delivery: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), p)
			return nil
		}
		printPair(cmd.OutOrStdout(), p)
		return nil
	},
}

// transcriptCmd reports a completed transcript, the same call the
// processing pipeline makes.
var transcriptCmd = &cobra.Command{
	Use:   "complete [transcript-id]",
	Short: "Report a completed transcript and enqueue its webhook",
	Long: `Report a completed transcript. The transcript document is read as JSON
from --file (use - for stdin).

Example:
  hookctl complete tr_123 --room standup --file transcript.json --idempotency-key run-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, _ := cmd.Flags().GetString("room")
		file, _ := cmd.Flags().GetString("file")
		key, _ := cmd.Flags().GetString("idempotency-key")
		if roomID == "" {
			return fmt.Errorf("--room is required")
		}

		var tr payload.Transcript
		if file != "" {
			data, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			if err := json.Unmarshal(data, &tr); err != nil {
				return fmt.Errorf("failed to parse transcript JSON: %w", err)
			}
		}

		body := map[string]any{"room_id": roomID, "occurred_at": time.Now().UTC(), "transcript": tr}
		var headers map[string]string
		if key != "" {
			headers = map[string]string{"Idempotency-Key": key}
		}

		ctx, cancel := requestContext()
		defer cancel()
		var res completedResult
		if err := callAPI(ctx, http.MethodPost, "/v1/transcripts/"+url.PathEscape(args[0])+"/completed", body, &res, headers); err != nil {
			return fmt.Errorf("failed to report transcript: %w", err)
		}

		w := cmd.OutOrStdout()
		switch {
		case outputJSON:
			printOutput(w, res)
		case res.PairID == "":
			fmt.Fprintln(w, "Room has no webhook configured, nothing enqueued")
		case res.Enqueued:
			fmt.Fprintf(w, "Event %s enqueued as delivery %s\n", res.EventID, res.PairID)
		default:
			fmt.Fprintf(w, "Event %s already reported (delivery %s)\n", res.EventID, res.PairID)
		}
		return nil
	},
}

var webhookTestCmd = &cobra.Command{
	Use:   "test-webhook",
	Short: "Send a test webhook to an unsaved destination",
	Long: `Send a single signed test event to a URL before saving it on a room.

Example:
  hookctl test-webhook --url https://example.com/hooks --secret s3cret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookURL, _ := cmd.Flags().GetString("url")
		secret, _ := cmd.Flags().GetString("secret")
		roomName, _ := cmd.Flags().GetString("room-name")
		file, _ := cmd.Flags().GetString("file")

		body := map[string]any{"webhook_url": webhookURL, "webhook_secret": secret, "room_name": roomName}
		if file != "" {
			data, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			var tr payload.Transcript
			if err := json.Unmarshal(data, &tr); err != nil {
				return fmt.Errorf("failed to parse transcript JSON: %w", err)
			}
			body["transcript"] = tr
		}

		ctx, cancel := requestContext()
		defer cancel()
		var res validation.Result
		if err := callAPI(ctx, http.MethodPost, "/v1/webhooks/test", body, &res, nil); err != nil {
			return fmt.Errorf("failed to test webhook: %w", err)
		}
		printTestResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func printPair(w io.Writer, p pairView) {
	fmt.Fprintf(w, "\n  Delivery %s\n", p.ID)
	fmt.Fprintf(w, "    Endpoint: %s\n", p.EndpointURL)
	fmt.Fprintf(w, "    State: %s\n", p.State)
	fmt.Fprintf(w, "    Attempts: %d\n", p.AttemptCount)
	if p.LastStatusCode > 0 {
		fmt.Fprintf(w, "    Last HTTP status: %d\n", p.LastStatusCode)
	}
	if p.LastError != "" {
		fmt.Fprintf(w, "    Last error: %s\n", p.LastError)
	}
	if !p.NextAttemptAt.IsZero() {
		fmt.Fprintf(w, "    Next attempt: %s\n", formatTime(p.NextAttemptAt))
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd, transcriptCmd, webhookTestCmd)
	deliveryCmd.AddCommand(statusCmd, cancelCmd)

	transcriptCmd.Flags().String("room", "", "room that owns the transcript (required)")
	transcriptCmd.Flags().String("file", "", "transcript JSON file, - for stdin")
	transcriptCmd.Flags().String("idempotency-key", "", "makes repeated reports of the same completion a no-op")

	webhookTestCmd.Flags().String("url", "", "webhook URL to test")
	webhookTestCmd.Flags().String("secret", "", "signing secret")
	webhookTestCmd.Flags().String("room-name", "", "room name used in the test payload")
	webhookTestCmd.Flags().String("file", "", "transcript JSON sent instead of the sample, - for stdin")
}
