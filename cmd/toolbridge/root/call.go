package root

import (
	"encoding/json"
	"fmt"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/spf13/cobra"
)

var flagCallRaw bool

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Run one worker tool locally and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("arguments must be a JSON object")
			}
			raw = json.RawMessage(args[1])
		}
		res, err := a.CallTool(cmd.Context(), args[0], raw)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flagCallRaw {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		for _, c := range res.Content {
			fmt.Fprintln(out, string(markdown.Render(c.Text, 80, 2)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().BoolVar(&flagCallRaw, "raw", false, "Print the raw tool result as JSON")
}
