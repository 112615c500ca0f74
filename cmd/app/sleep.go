package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"kamal-napper/cmd/root"
)

var sleepCmd = &cobra.Command{
	Use:   "sleep [hostname]",
	Short: "Stop an active app immediately",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := controlApp(args[0], "sleep"); err != nil {
			fmt.Println(err)
		}
	},
}

func init() {
	root.RootCmd.AddCommand(sleepCmd)

	sleepCmd.Example = `  kamal-napper sleep app.example.com`
}
