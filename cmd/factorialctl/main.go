// Command factorialctl is a thin CLI wrapping the coordinator's HTTP
// control API: one subcommand per resource, mirroring cmd/warren's
// command-tree shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	fclient "github.com/cuemby/factorial/pkg/client"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "factorialctl",
	Short: "factorialctl talks to a factorial coordinator's control API",
}

func init() {
	rootCmd.PersistentFlags().String("coordinator", "http://127.0.0.1:8080", "coordinator base URL")
	rootCmd.AddCommand(factorCmd, versionCmd, linkageCmd, workerCmd, taskCmd, stockViewCmd)
}

func newClient(cmd *cobra.Command) *fclient.Client {
	base, _ := cmd.Flags().GetString("coordinator")
	return fclient.New(base)
}

func ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var factorCmd = &cobra.Command{
	Use:   "factor",
	Short: "Manage factors",
}

var factorCreateCmd = &cobra.Command{
	Use:   "create NAME CODE_FILE",
	Short: "Create a new factor with its initial code revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).CreateFactor(c, args[0], code); ferr != nil {
			return ferr
		}
		fmt.Printf("✓ factor %s created\n", args[0])
		return nil
	},
}

func init() {
	factorCmd.AddCommand(factorCreateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage factor code revisions",
}

var versionCreateCmd = &cobra.Command{
	Use:   "create FACTOR LABEL CODE_FILE",
	Short: "Archive a new code revision for an existing factor",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).CreateVersion(c, args[0], args[1], code); ferr != nil {
			return ferr
		}
		fmt.Printf("✓ version %s/%s created\n", args[0], args[1])
		return nil
	},
}

func init() {
	versionCmd.AddCommand(versionCreateCmd)
}

var linkageCmd = &cobra.Command{
	Use:   "linkage",
	Short: "Bind factor versions to stocks and trigger updates",
}

var linkageCreateCmd = &cobra.Command{
	Use:   "create FACTOR VERSION STOCK",
	Short: "Bind a factor version to a stock",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).CreateLinkage(c, args[0], args[1], args[2]); ferr != nil {
			return ferr
		}
		fmt.Printf("✓ linkage %s/%s/%s created\n", args[0], args[1], args[2])
		return nil
	},
}

var linkageUpdateCmd = &cobra.Command{
	Use:   "trigger-update FACTOR VERSION STOCK DATE...",
	Short: "Schedule a factor update through the given trading days",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).TriggerUpdate(c, args[0], args[1], args[2], args[3:]); ferr != nil {
			return ferr
		}
		fmt.Println("✓ update scheduled")
		return nil
	},
}

func init() {
	linkageCmd.AddCommand(linkageCreateCmd, linkageUpdateCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and control executor workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers known to the coordinator's registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := ctx()
		defer cancel()
		workers, ferr := newClient(cmd).ListWorkers(c)
		if ferr != nil {
			return ferr
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		fmt.Printf("%-36s %-15s %-6s %-6s %-6s\n", "ID", "HOST", "PORT", "CORES", "TASKS")
		for _, w := range workers {
			fmt.Printf("%-36s %-15s %-6d %-6d %-6d\n", w.ID, w.Host, w.Port, w.Cores, len(w.Tasks))
		}
		return nil
	},
}

var workerStopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Broadcast an administrative stop to every worker and clear task state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).StopAll(c); ferr != nil {
			return ferr
		}
		fmt.Println("✓ stop broadcast to all workers")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd, workerStopAllCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Query task status",
}

var taskQueryCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Query one task's live status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := ctx()
		defer cancel()
		status, ferr := newClient(cmd).QueryTask(c, args[0])
		if ferr != nil {
			return ferr
		}
		fmt.Println(status)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskQueryCmd)
}

var stockViewCmd = &cobra.Command{
	Use:   "stock-view",
	Short: "Manage composed view stocks",
}

var stockViewCreateCmd = &cobra.Command{
	Use:   "create NAME RELATION_JSON",
	Short: "Register a new view stock from a JSON relation (underlying stock -> columns)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var relation map[string][]string
		if err := json.Unmarshal([]byte(args[1]), &relation); err != nil {
			return fmt.Errorf("parse relation: %w", err)
		}
		c, cancel := ctx()
		defer cancel()
		if ferr := newClient(cmd).CreateStockView(c, args[0], relation); ferr != nil {
			return ferr
		}
		fmt.Printf("✓ stock view %s created\n", args[0])
		return nil
	},
}

func init() {
	stockViewCmd.AddCommand(stockViewCreateCmd)
}
