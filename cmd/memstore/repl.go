package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/pkg/memstore"
	"github.com/peterh/liner"
)

// runRepl opens base and drops into an interactive line editor exposing
// a handful of read-only commands, the same shape as the teacher's own
// cmd/tk* interactive tools.
func runRepl(args []string) error {
	fs := newFlagSet("repl")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memstore repl <base>")
	}

	s, err := memstore.OpenStore(fs.Arg(0), storeconfig.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	fmt.Println("memstore repl — commands: stat, tags <slot>, quit")

	for {
		input, err := line.Prompt("memstore> ")
		if err != nil {
			return nil
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "stat":
			st := s.Stats()
			fmt.Printf("node_count=%d capacity=%d wal_sequence=%d\n", st.NodeCount, st.Capacity, st.WalSequence)
		case "tags":
			if len(fields) != 2 {
				fmt.Println("usage: tags <slot>")
				continue
			}

			n, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				fmt.Println("invalid slot:", err)
				continue
			}

			tags, err := s.TagsForSlot(memstore.SlotID(n))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}

			fmt.Println(strings.Join(tags, ", "))
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
