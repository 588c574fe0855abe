package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/pawtograder/staging/apps"
	"github.com/pawtograder/staging/core"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf        *core.Config
	logger      core.Logger
	out         io.Writer
	openBackend func(ctx context.Context, conf *core.Config) (apps.Backend, func() error, error)
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  stage -file PLAN.json [-publish] [-order insertion|moves_first|creates_first] - stage a group plan, print its preview and optionally publish it")
	fmt.Fprintln(cli.out, "  roster -class ID -assignment ID - print the published groups of an assignment")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	stageCmd := flag.NewFlagSet("stage", flag.ContinueOnError)
	stageCmd.SetOutput(cli.out)
	stageFile := stageCmd.String("file", "", "The JSON plan of group creates and member moves.")
	stagePublish := stageCmd.Bool("publish", false, "Publish the plan once staged.")
	stageOrder := stageCmd.String("order", "insertion", "The order intents are published in.")

	rosterCmd := flag.NewFlagSet("roster", flag.ContinueOnError)
	rosterCmd.SetOutput(cli.out)
	rosterClass := rosterCmd.Int64("class", 0, "The class id.")
	rosterAssignment := rosterCmd.Int64("assignment", 0, "The assignment id.")

	switch args[1] {
	case "stage":
		if err := stageCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *stageFile == "" {
			stageCmd.Usage()
			return errHelp
		}
		if err := cli.promptAPIKey(); err != nil {
			return err
		}
		return cli.stage(*stageFile, *stagePublish, *stageOrder)
	case "roster":
		if err := rosterCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *rosterClass < 1 || *rosterAssignment < 1 {
			rosterCmd.Usage()
			return errHelp
		}
		if err := cli.promptAPIKey(); err != nil {
			return err
		}
		return cli.roster(*rosterClass, *rosterAssignment)
	default:
		cli.printUsage()
		return errHelp
	}
}

// promptAPIKey asks for the backend API key when the postgrest driver has none configured.
func (cli *commandLine) promptAPIKey() error {
	if cli.conf.Backend.Driver != core.DriverPostgREST || cli.conf.Backend.APIKey != "" {
		return nil
	}
	fmt.Fprint(cli.out, "Enter backend API key:")
	key, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return errHelp
	}
	cli.conf.Backend.APIKey = string(key)
	return nil
}
