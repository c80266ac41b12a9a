package cli

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"signalrelay/internal/app"
)

var (
	simulateContent   string
	simulateFile      string
	simulateTimestamp string
	simulateSend      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Preview how the relay would classify and rewrite a message",
	RunE: func(cmd *cobra.Command, args []string) error {
		content := simulateContent
		if simulateFile != "" {
			var (
				data []byte
				err  error
			)
			if simulateFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(simulateFile)
			}
			if err != nil {
				return err
			}
			content = string(data)
		}
		if content == "" {
			return errors.New("one of --content or --file is required")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Content:   content,
			Timestamp: simulateTimestamp,
			Send:      simulateSend,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateContent, "content", "", "Message content to evaluate")
	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "Read message content from a file (- for stdin)")
	simulateCmd.Flags().StringVar(&simulateTimestamp, "timestamp", "", `Timestamp text as the channel shows it (default "Just now")`)
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "Deliver the rendered signal to the configured destination")
}
