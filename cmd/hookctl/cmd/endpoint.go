package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vantagebank/hookline/internal/model"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Register and manage webhook endpoints that receive event deliveries.`,
}

// createEndpointCmd represents the create endpoint command
var createEndpointCmd = &cobra.Command{
	Use:   "create [user-id] [url]",
	Short: "Register a new webhook endpoint",
	Long: `Register a new webhook endpoint for a user.

Example:
  hookctl endpoint create 6f1c... https://example.com/webhook --events user.created,transaction.completed`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetString("events")
		secret, _ := cmd.Flags().GetString("secret")
		notifyEmail, _ := cmd.Flags().GetBool("notify-email")
		timeoutSecs, _ := cmd.Flags().GetInt("attempt-timeout")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		retryDelay, _ := cmd.Flags().GetInt("retry-delay")

		body := map[string]any{
			"user_id":      args[0],
			"url":          args[1],
			"event_types":  strings.Split(events, ","),
			"secret":       secret,
			"notify_email": notifyEmail,
		}
		if cmd.Flags().Changed("attempt-timeout") {
			body["timeout_seconds"] = timeoutSecs
		}
		if cmd.Flags().Changed("max-retries") {
			body["max_retries"] = maxRetries
		}
		if cmd.Flags().Changed("retry-delay") {
			body["retry_delay_seconds"] = retryDelay
		}

		var resp struct {
			Endpoint *model.Endpoint `json:"endpoint"`
			Secret   string          `json:"secret,omitempty"`
		}
		if err := apiRequest(http.MethodPost, "/v1/endpoints", body, &resp); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("Created endpoint: %s\n", resp.Endpoint.ID)
		fmt.Printf("  URL: %s\n", resp.Endpoint.URL)
		fmt.Printf("  Events: %s\n", strings.Join(resp.Endpoint.EventTypes, ", "))
		if resp.Secret != "" {
			fmt.Printf("  Secret (store this now, it will not be shown again): %s\n", resp.Secret)
		}
		return nil
	},
}

// listEndpointsCmd represents the list endpoints command
var listEndpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		path := "/v1/endpoints"
		if userID != "" {
			path += "?user_id=" + userID
		}

		var resp struct {
			Endpoints []*model.Endpoint `json:"endpoints"`
		}
		if err := apiRequest(http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, ep := range resp.Endpoints {
			state := "active"
			if !ep.Active {
				state = "inactive"
			}
			fmt.Printf("%s  %-8s %s  [%s]  %d/%d ok\n",
				ep.ID, state, ep.URL, strings.Join(ep.EventTypes, ","),
				ep.SuccessfulDeliveries, ep.TotalDeliveries)
		}
		return nil
	},
}

// deactivateEndpointCmd represents the deactivate endpoint command
var deactivateEndpointCmd = &cobra.Command{
	Use:   "deactivate [endpoint-id]",
	Short: "Deactivate an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(http.MethodPost, "/v1/endpoints/"+args[0]+"/deactivate", nil, nil); err != nil {
			return fmt.Errorf("failed to deactivate endpoint: %w", err)
		}
		fmt.Printf("Deactivated endpoint: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd)
	endpointCmd.AddCommand(listEndpointsCmd)
	endpointCmd.AddCommand(deactivateEndpointCmd)

	createEndpointCmd.Flags().String("events", "", "comma-separated event types to subscribe to")
	createEndpointCmd.Flags().String("secret", "", "webhook secret (if not provided, one will be generated)")
	createEndpointCmd.Flags().Bool("notify-email", false, "email the owner after successful deliveries")
	createEndpointCmd.Flags().Int("attempt-timeout", 30, "per-attempt timeout in seconds")
	createEndpointCmd.Flags().Int("max-retries", 3, "retries after the first failed attempt")
	createEndpointCmd.Flags().Int("retry-delay", 60, "base retry delay in seconds")
	_ = createEndpointCmd.MarkFlagRequired("events")

	listEndpointsCmd.Flags().String("user", "", "filter by owning user id")
}
