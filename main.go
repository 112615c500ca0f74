package main

import (
	_ "kamal-napper/cmd"
	"kamal-napper/cmd/root"
	"kamal-napper/internal/config"
	"kamal-napper/internal/logger"
	"os"
)

func main() {
	// The server mirrors its log file to the console; client commands
	// write to the log file alone, or to the console when none is set.
	isServerMode := len(os.Args) > 1 && os.Args[1] == "server"

	logger.InitLogger(config.App().Log.Path, config.App().Log.Level, isServerMode)

	if err := root.RootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
	os.Exit(0)
}
