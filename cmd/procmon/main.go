// Command procmon is the monitor helper process spawned by
// process.Manager: one instance supervises exactly one child process over
// a control channel inherited as its first argument's fd (source
// specification §4.4, §5.1). It is never invoked directly by users; its
// path is discovered by process.Manager via the FORTE_PROCMON environment
// override or a compiled-in default.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/whitepa/forte-procmanager/internal/monitorsup"
	"github.com/whitepa/forte-procmanager/internal/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: procmon <channel-fd>")
		os.Exit(2)
	}
	fd, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "procmon: invalid fd argument %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}

	channel := os.NewFile(uintptr(fd), "forte-procmon-channel")
	if channel == nil {
		fmt.Fprintf(os.Stderr, "procmon: fd %d is not valid\n", fd)
		os.Exit(1)
	}

	if err := monitorsup.Run(channel); err != nil {
		telemetry.L().Err(err).Log("procmon: supervision loop terminated with an error")
		os.Exit(1)
	}
}
