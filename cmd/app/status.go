package app

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kamal-napper/cmd/root"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of all managed apps",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printStatus(); err != nil {
			fmt.Println(err)
		}
	},
}

func printStatus() error {
	status, err := getStatus()
	if err != nil {
		return err
	}

	fmt.Printf("napper: running=%v apps=%d tick=%d uptime=%s\n\n",
		status.Running, status.AppCount, status.TickCount, status.Uptime)

	if len(status.Apps) == 0 {
		fmt.Println("no managed apps")
		return nil
	}

	hosts := make([]string, 0, len(status.Apps))
	for host := range status.Apps {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATE\tIN STATE\tLAST REQUEST")
	for _, host := range hosts {
		app := status.Apps[host]
		lastRequest := "never"
		if app.LastRequestAt != nil {
			lastRequest = app.LastRequestAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%.0fs\t%s\n", host, app.State, app.SecondsInState, lastRequest)
	}
	return w.Flush()
}

func init() {
	root.RootCmd.AddCommand(statusCmd)

	statusCmd.Example = `  kamal-napper status`
}
