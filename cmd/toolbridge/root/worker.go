package root

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"toolbridge/pkg/app"
)

var workerCmd = &cobra.Command{
	Use:   app.WorkerCommand,
	Short: "Serve the full tool set on stdin/stdout (spawned by serve)",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Ctrl+C in the host terminal reaches the whole process group; the
		// bridge decides when the worker goes away.
		signal.Ignore(os.Interrupt)
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.Worker(context.Background(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
