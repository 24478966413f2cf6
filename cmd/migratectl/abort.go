package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the running migration and resume writes on the source",
	RunE:  runAbort,
}

func runAbort(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(apiBaseURI+"/migration/abort", "application/json", nil)
	if err != nil {
		return fmt.Errorf("POST /migration/abort: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("POST /migration/abort returned %s", resp.Status)
	}

	fmt.Println("abort accepted")
	return nil
}
