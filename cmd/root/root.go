package root

import (
	"kamal-napper/internal/config"

	"github.com/spf13/cobra"
)

var configFile string

var RootCmd = &cobra.Command{
	Use:   "kamal-napper",
	Short: "Idle-application supervisor for kamal-deployed hosts",
	Long: `kamal-napper watches the traffic kamal-proxy routes to each application
on this host, stops containers that have been idle beyond the configured
threshold and starts them again when traffic returns, hiding the startup
behind the proxy's maintenance page.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			return config.SetConfigPath(configFile)
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml, ~/.kamal-napper/config.yaml)")
}
