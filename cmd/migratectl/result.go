package main

import (
	"fmt"
	"net/http"

	goccyjson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/statefabric/actormigrate/internal/model"
)

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Print the migration's full reconstructed result as JSON",
	RunE:  runResult,
}

func runResult(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(apiBaseURI + "/migration/result")
	if err != nil {
		return fmt.Errorf("GET /migration/result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /migration/result returned %s", resp.Status)
	}

	var result model.MigrationResult
	if err := goccyjson.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding result response: %w", err)
	}

	encoded, err := goccyjson.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("re-encoding result for display: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
