package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/vantagebank/hookline/internal/model"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Trigger and inspect webhook events",
}

// triggerCmd represents the trigger command
var triggerCmd = &cobra.Command{
	Use:   "trigger [event-type] [payload-json]",
	Short: "Trigger a webhook event",
	Long: `Trigger a webhook event with a JSON payload.

Example:
  hookctl event trigger transaction.completed '{"transaction_id":"T1","amount":125.00}' --user 6f1c...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		userID, _ := cmd.Flags().GetString("user")

		body := map[string]any{"type": args[0], "payload": payload}
		if userID != "" {
			body["user_id"] = userID
		}

		var ev model.Event
		if err := apiRequest(http.MethodPost, "/v1/events", body, &ev); err != nil {
			return fmt.Errorf("failed to trigger event: %w", err)
		}

		if outputJSON {
			printOutput(ev)
			return nil
		}
		fmt.Printf("Triggered event: %s\n", ev.ID)
		fmt.Printf("  Type: %s\n", ev.Type)
		fmt.Printf("  Status: %s\n", ev.Status)
		return nil
	},
}

// listEventsCmd represents the list events command
var listEventsCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		eventType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if eventType != "" {
			q.Set("event_type", eventType)
		}
		q.Set("limit", fmt.Sprint(limit))

		var resp struct {
			Events []*model.Event `json:"events"`
		}
		if err := apiRequest(http.MethodGet, "/v1/events?"+q.Encode(), nil, &resp); err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, ev := range resp.Events {
			fmt.Printf("%s  %-10s %-24s attempts=%d  %s\n",
				ev.ID, ev.Status, ev.Type, ev.AttemptCount,
				ev.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// getEventCmd represents the get event command
var getEventCmd = &cobra.Command{
	Use:   "get [event-id]",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ev model.Event
		if err := apiRequest(http.MethodGet, "/v1/events/"+args[0], nil, &ev); err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}
		printOutput(ev)
		return nil
	},
}

// cancelEventCmd represents the cancel event command
var cancelEventCmd = &cobra.Command{
	Use:   "cancel [event-id]",
	Short: "Cancel a pending event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(http.MethodPost, "/v1/events/"+args[0]+"/cancel", nil, nil); err != nil {
			return fmt.Errorf("failed to cancel event: %w", err)
		}
		fmt.Printf("Cancelled event: %s\n", args[0])
		return nil
	},
}

// retryEventCmd represents the retry event command
var retryEventCmd = &cobra.Command{
	Use:   "retry [event-id]",
	Short: "Requeue a failed or cancelled event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(http.MethodPost, "/v1/events/"+args[0]+"/retry", nil, nil); err != nil {
			return fmt.Errorf("failed to requeue event: %w", err)
		}
		fmt.Printf("Requeued event: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(triggerCmd)
	eventCmd.AddCommand(listEventsCmd)
	eventCmd.AddCommand(getEventCmd)
	eventCmd.AddCommand(cancelEventCmd)
	eventCmd.AddCommand(retryEventCmd)

	triggerCmd.Flags().String("user", "", "owning user id (omit for system events)")

	listEventsCmd.Flags().String("status", "", "filter by status")
	listEventsCmd.Flags().String("type", "", "filter by event type")
	listEventsCmd.Flags().Int("limit", 50, "max events to return")
}
