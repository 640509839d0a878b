package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"widgetchat/models"
	"widgetchat/storage"
)

var (
	submitMessageID int64
	submitEmail     string
	submitValues    []string
)

func init() {
	submitCmd.Flags().Int64Var(&submitMessageID, "message", 0, "server id of the interactive message")
	submitCmd.Flags().StringVar(&submitEmail, "email", "", "email address to submit")
	submitCmd.Flags().StringArrayVar(&submitValues, "value", nil, "form value as name=value (repeatable)")
	_ = submitCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an email or form values for an interactive message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseFormValues(submitValues)
		if err != nil {
			return err
		}
		if submitEmail == "" && len(values) == 0 {
			return fmt.Errorf("either --email or --value is required")
		}

		rt, err := openRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.coordinator.UpdateSubmittedValues(cmd.Context(), submitEmail, submitMessageID, values); err != nil {
			return err
		}

		updated, err := rt.store.FirstMessage(storage.ByID(submitMessageID))
		if errors.Is(err, storage.ErrNotFound) {
			// Accepted by the server but not cached locally.
			fmt.Fprintf(cmd.OutOrStdout(), "submitted values for message %d\n", submitMessageID)
			return nil
		}
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), updated)
	},
}

func parseFormValues(raw []string) ([]models.FormValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	values := make([]models.FormValue, 0, len(raw))
	for _, entry := range raw {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --value %q, want name=value", entry)
		}
		values = append(values, models.FormValue{Name: name, Title: value, Value: value})
	}
	return values, nil
}
