package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vantagebank/hookline/internal/model"
)

// templateCmd represents the template command
var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage payload templates",
}

// setTemplateCmd represents the set template command
var setTemplateCmd = &cobra.Command{
	Use:   "set [event-type] [payload-json]",
	Short: "Install a payload template for an event type",
	Long: `Install a payload template for an event type. String values of the
exact form {{name}} are replaced at delivery time with event context values.

Example:
  hookctl template set transaction.completed '{"txn":"{{transaction_id}}","who":"{{user_email}}"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		headersJSON, _ := cmd.Flags().GetString("headers")
		var headers map[string]string
		if headersJSON != "" {
			if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
				return fmt.Errorf("invalid headers JSON: %w", err)
			}
		}

		body := map[string]any{"payload": payload}
		if headers != nil {
			body["headers"] = headers
		}

		var tpl model.Template
		if err := apiRequest(http.MethodPut, "/v1/templates/"+args[0], body, &tpl); err != nil {
			return fmt.Errorf("failed to set template: %w", err)
		}

		if outputJSON {
			printOutput(tpl)
			return nil
		}
		fmt.Printf("Installed template for %s (version %d)\n", tpl.EventType, tpl.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(setTemplateCmd)

	setTemplateCmd.Flags().String("headers", "", "JSON object of extra delivery headers")
}
