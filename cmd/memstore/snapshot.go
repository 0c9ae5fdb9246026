package main

import (
	"fmt"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/pkg/memstore"
)

func runSnapshot(args []string) error {
	fs := newFlagSet("snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: memstore snapshot <base> <target>")
	}

	base, target := fs.Arg(0), fs.Arg(1)

	s, err := memstore.OpenStore(base, storeconfig.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.CreateSnapshot(target); err != nil {
		return err
	}

	fmt.Printf("snapshot written to %s\n", target)

	return nil
}
