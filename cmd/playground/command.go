package main

import (
	"github.com/mellea-dev/playground/core/corecmd"
)

type PlaygroundCommand struct {
	Version func() `short:"v" long:"version" description:"Print the version of the playground and exit"`

	Run corecmd.RunCommand `command:"run" description:"Run the playground core: the executor, reconcilers, and log streaming."`
}
