package root

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"toolbridge/internal/config"
	"toolbridge/internal/liveness"
)

var flagNoSubordinate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the host on stdin/stdout, delegating to a worker subprocess",
	Long: "serve never exits on end of input, broken pipes, or SIGINT/SIGTERM/SIGHUP. " +
		"Send the operator stop signal (SIGUSR2) to end it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(func(c *config.Config) {
			if flagNoSubordinate {
				c.Subordinate.Disabled = true
			}
		})
		if err != nil {
			return err
		}
		b, err := a.NewBridge()
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"pid":         os.Getpid(),
			"stop_signal": stopSignalName(),
		}).Info("toolbridge serving on stdio")
		return b.Run(context.Background(), os.Stdin, os.Stdout)
	},
}

func stopSignalName() string {
	if liveness.StopSignal == nil {
		return "none"
	}
	return liveness.StopSignal.String()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&flagNoSubordinate, "no-subordinate", false, "Serve built-in tools only; never spawn a worker")
}
