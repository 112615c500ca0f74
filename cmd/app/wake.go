package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"kamal-napper/cmd/root"
)

var wakeCmd = &cobra.Command{
	Use:   "wake [hostname]",
	Short: "Start a stopped app behind the maintenance page",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := controlApp(args[0], "wake"); err != nil {
			fmt.Println(err)
		}
	},
}

func controlApp(host, action string) error {
	resp, err := postControl(host, action)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s failed: %s", action, resp.Message)
	}
	fmt.Println(resp.Message)
	return nil
}

func init() {
	root.RootCmd.AddCommand(wakeCmd)

	wakeCmd.Example = `  kamal-napper wake app.example.com`
}
