package main

import (
	"fmt"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/pkg/memstore"
)

func runReplay(args []string) error {
	fs := newFlagSet("replay")
	since := fs.Uint64("since", 0, "dump entries with sequence greater than this")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memstore replay <base> [--since SEQ]")
	}

	base := fs.Arg(0)

	s, err := memstore.OpenStore(base, storeconfig.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.DumpWAL(*since)
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%d\t%s\t%s\n", e.Sequence, e.Op, e.NodeID)
	}

	return nil
}
