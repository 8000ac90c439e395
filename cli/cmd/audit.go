package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/lockbox/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  "List audit events recorded for this vault namespace.",
	RunE:  queryAudit,
}

var (
	auditAction   string
	auditSecret   string
	auditFailures bool
	auditSince    string
	auditLimit    int
	auditJSON     bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditCmd.Flags().StringVar(&auditSecret, "secret", "", "filter by secret key")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "events after this RFC3339 time")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "output as JSON")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Namespace: namespace,
		Action:    auditAction,
		SecretID:  auditSecret,
		Limit:     auditLimit,
	}

	if auditFailures {
		failed := false
		options.Success = &failed
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &since
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tSECRET\tERROR")
	for _, e := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Success, e.SecretID, e.Error)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d events\n", len(result.Events), result.Filtered)
	return nil
}
