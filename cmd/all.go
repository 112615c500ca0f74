package cmd

import (
	_ "kamal-napper/cmd/app"
	_ "kamal-napper/cmd/root"
	_ "kamal-napper/cmd/server"
)
