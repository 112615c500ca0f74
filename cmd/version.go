package cmd

import (
	"fmt"

	"kamal-napper/cmd/root"
	"kamal-napper/controllers"

	"github.com/spf13/cobra"
)

var BuildTime = ""
var BuildCommitId = ""

func PrintVersions() {
	fmt.Printf("Version %s\n", controllers.Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Build Commit ID: %s\n", BuildCommitId)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `The 'version' command shows version details including git commit and build time`,

	Run: func(cmd *cobra.Command, args []string) {
		PrintVersions()
	},
}

func init() {
	root.RootCmd.AddCommand(versionCmd)

	versionCmd.Example = `  kamal-napper version`
}
