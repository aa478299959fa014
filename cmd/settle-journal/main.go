// settle-journal inspects the settlement journal of a stopped merchantd and releases
// orders that ended in collect_failed so the next run can try them again.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/magnaflowlabs/merchant-tools/params"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
)

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  settle-journal list <chain> <collection|payout>")
	fmt.Println("  settle-journal release <chain> <collection|payout> <key>")
	fmt.Println()
	fmt.Println("merchantd must be stopped: the journal allows one process at a time.")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 4 {
		usage()
	}
	cmd, chainName, typ := os.Args[1], os.Args[2], os.Args[3]
	if typ != orders.TypeCollection && typ != orders.TypePayout {
		fmt.Printf("Error: unknown order type %q\n", typ)
		os.Exit(2)
	}

	// Step 1: Open the journal configured for merchantd
	cfg := params.LoadFromEnv("")
	journal, err := storage.NewPebbleJournal(cfg.Node.JournalPath)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", cfg.Node.JournalPath, err)
		os.Exit(1)
	}
	defer journal.Close()

	switch cmd {
	case "list":
		// Step 2: Print every record for chain/type in key order
		records, err := journal.List(chainName, typ)
		if err != nil {
			fmt.Printf("Error listing: %v\n", err)
			os.Exit(1)
		}
		for _, r := range records {
			out, _ := json.Marshal(r)
			fmt.Println(string(out))
		}
		fmt.Printf("\n%d record(s)\n", len(records))

	case "release":
		if len(os.Args) < 5 {
			usage()
		}
		key := os.Args[4]

		// Step 2: Only terminal failures may be released; submitted orders have a tx on chain
		r, ok, err := journal.Get(chainName, typ, key)
		if err != nil {
			fmt.Printf("Error reading: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Printf("No record for %s %s %s\n", chainName, typ, key)
			os.Exit(1)
		}
		if r.State != storage.StateFailed {
			fmt.Printf("Refusing to release %s: state is %s, tx %s\n", key, r.State, r.TxHash)
			os.Exit(1)
		}

		// Step 3: Delete the record
		if err := journal.Delete(chainName, typ, key); err != nil {
			fmt.Printf("Error deleting: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Released %s after %d attempt(s), last error: %s\n", key, r.Attempts, r.Error)

	default:
		usage()
	}
}
