package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "durabletaskd",
	Short: "durabletaskd runs a durable task orchestration worker",
	Long:  `durabletaskd leases task-hub partitions, dispatches orchestration and activity work items, and serves a read-only HTTP API over their state.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("task-hub", "", "Task hub name (overrides config)")
	rootCmd.PersistentFlags().String("worker-id", "", "Worker identity used for lease ownership (overrides config)")
	rootCmd.PersistentFlags().String("storage", "memory", "Storage backend: memory or redis")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address, used when --storage=redis")
}
