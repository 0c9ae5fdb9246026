// Command memstore inspects an on-disk store. Every subcommand opens the
// store through memstore.OpenStore, which applies any self-repair and
// WAL replay before the subcommand runs; verify reports the warnings
// those repairs logged.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error

	switch cmd {
	case "stat":
		err = runStat(args)
	case "verify":
		err = runVerify(args)
	case "snapshot":
		err = runSnapshot(args)
	case "replay":
		err = runReplay(args)
	case "repl":
		err = runRepl(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "memstore: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "memstore %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: memstore <command> [flags]

commands:
  stat     <base>                 print header counters and capacity
  verify   <base>                 check header/CRC integrity, report self-repairs applied on open
  snapshot <base> <target>        copy a store to a new base path
  replay   <base> [--since SEQ]   dump WAL entries after SEQ
  repl     <base>                 interactive inspection shell`)
}

func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ExitOnError)
}
