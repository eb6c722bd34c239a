package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/hookrelay/internal/urlcheck"
)

func init() {
	rootCmd.AddCommand(validateURLCmd)
}

var validateURLCmd = &cobra.Command{
	Use:   "validate-url <url>",
	Short: "Check whether a URL is acceptable as a webhook destination",
	Long: `Check a URL against the destination rules: https only, fully
qualified host, no credentials, and no loopback, private, or link-local
addresses.

Examples:
  hookrelay validate-url https://hooks.example.com/in
  hookrelay validate-url http://10.0.0.5/hook   # exits non-zero`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateURL,
}

func runValidateURL(cmd *cobra.Command, args []string) error {
	res := urlcheck.Validate(args[0])

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("invalid destination url: %s", res.Reason)
	}
	return nil
}
