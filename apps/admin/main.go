package main

import (
	"log"
	"os"

	"github.com/pawtograder/staging/apps"
	"github.com/pawtograder/staging/core"
	logsvc "github.com/pawtograder/staging/services/logger"
)

func main() {
	stdLogger := log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf, err := core.NewConfig()
	if err != nil {
		stdLogger.Fatal(err)
	}
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(false)

	// start CLI
	cli := commandLine{
		conf:        conf,
		logger:      logger,
		out:         os.Stdout,
		openBackend: apps.OpenBackend,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			stdLogger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
