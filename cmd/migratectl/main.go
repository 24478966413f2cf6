// migratectl is the operator CLI against a running migration core's
// HTTP API: status, result, and abort. Commands are organized using
// the cobra library, the way caweb's cmd/caweb/command package
// structures its own root + sub-commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiBaseURI string

var rootCmd = &cobra.Command{
	Use:   "migratectl",
	Short: "Operate a running actor migration core over its HTTP API",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&apiBaseURI, "api", "http://localhost:8090", "base URI of the migration core's operator API")
	rootCmd.AddCommand(statusCmd, resultCmd, abortCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
