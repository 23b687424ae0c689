package main

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {

	var listenAddr string

	// rootCmd represents the base command when called without any subcommands
	var rootCmd = &cobra.Command{
		Use: "ledger-connector",
	}

	var apiServerCmd = &cobra.Command{
		Use:   "api_server",
		Short: "API Server",
		Run: func(cmd *cobra.Command, args []string) {
			startApiServer(listenAddr)
		},
	}

	var eventProcessorCmd = &cobra.Command{
		Use:   "event_processor",
		Short: "Webhook Event Processor",
		Run: func(cmd *cobra.Command, args []string) {
			startEventProcessor()
		},
	}

	var entitySyncSchedulerCmd = &cobra.Command{
		Use:   "entity_sync_scheduler",
		Short: "Scheduled Entity Sync",
		Run: func(cmd *cobra.Command, args []string) {
			startEntitySyncScheduler()
		},
	}

	rootCmd.AddCommand(apiServerCmd)
	apiServerCmd.Flags().StringVarP(&listenAddr, "listen-addr", "l", ":8080", "Hostname:port")

	rootCmd.AddCommand(eventProcessorCmd)

	rootCmd.AddCommand(entitySyncSchedulerCmd)

	return rootCmd
}

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
