package main

import (
	"fmt"
	"net/http"

	goccyjson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/statefabric/actormigrate/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the migration's current status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(apiBaseURI + "/migration/status")
	if err != nil {
		return fmt.Errorf("GET /migration/status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /migration/status returned %s", resp.Status)
	}

	var out struct {
		Status model.MigrationState `json:"status"`
	}
	if err := goccyjson.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	fmt.Println(out.Status)
	return nil
}
