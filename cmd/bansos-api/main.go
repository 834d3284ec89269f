package main

import (
	"os"

	"github.com/spf13/cobra"
)

// @title Bansos API
// @version 1.0.0
// @description Social assistance programs, recipient enrollment and benefit distribution.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	rootCmd := &cobra.Command{
		Use:           "bansos-api",
		Short:         "Social assistance allocation service",
		Long:          `bansos-api serves program administration, quota-safe recipient enrollment and distribution tracking.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
