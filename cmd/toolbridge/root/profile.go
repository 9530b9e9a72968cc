package root

import (
	"github.com/spf13/cobra"
)

var flagProfileURL string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Open the browser profile used by browser tools (sign in, grant permissions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.Profile(cmd.Context(), flagProfileURL)
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().StringVar(&flagProfileURL, "url", "about:blank", "Page to open")
}
