package main

import (
	"fmt"

	"github.com/genomewalker/memstore/internal/storeconfig"
	"github.com/genomewalker/memstore/pkg/memstore"
)

func runStat(args []string) error {
	fs := newFlagSet("stat")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memstore stat <base>")
	}

	base := fs.Arg(0)

	s, err := memstore.OpenStore(base, storeconfig.Default())
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.Stats()

	fmt.Printf("base            %s\n", base)
	fmt.Printf("node_count      %d\n", st.NodeCount)
	fmt.Printf("deleted_count   %d\n", st.DeletedCount)
	fmt.Printf("capacity        %d\n", st.Capacity)
	fmt.Printf("entry_point     %d\n", st.EntryPointSlot)
	fmt.Printf("max_level       %d\n", st.MaxLevel)
	fmt.Printf("snapshot_id     %d\n", st.SnapshotID)
	fmt.Printf("wal_sequence    %d\n", st.WalSequence)

	return nil
}
