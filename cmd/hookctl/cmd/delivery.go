package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vantagebank/hookline/internal/model"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect delivery attempts",
}

// listDeliveriesCmd represents the list deliveries command
var listDeliveriesCmd = &cobra.Command{
	Use:   "list [event-id]",
	Short: "List delivery attempts for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Deliveries []*model.Delivery `json:"deliveries"`
		}
		if err := apiRequest(http.MethodGet, "/v1/events/"+args[0]+"/deliveries", nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, d := range resp.Deliveries {
			code := "-"
			if d.HTTPStatus != nil {
				code = fmt.Sprint(*d.HTTPStatus)
			}
			fmt.Printf("%s  attempt=%d %-8s http=%-4s %4dms  %s\n",
				d.ID, d.Attempt, d.Status, code, d.ResponseTimeMS,
				d.StartedAt.Format("2006-01-02 15:04:05"))
			if d.ErrorMessage != "" {
				fmt.Printf("    error: %s\n", d.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)
}
