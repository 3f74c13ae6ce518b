// Command petrel-cli inspects and maintains petrel databases from the
// command line. It opens the target database directly, so the owning
// process must not be running.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petreldb/petrel"
	"github.com/petreldb/petrel/keys"
)

var (
	startKey string
	endKey   string
	limit    int
)

func openDB(path string) (*petrel.DB, error) {
	opts := petrel.DefaultOptions()
	opts.Path = path
	opts.CreateIfMissing = false
	opts.Logger = petrel.DefaultLogger()
	return petrel.Open(opts)
}

func main() {
	root := &cobra.Command{
		Use:           "petrel-cli",
		Short:         "Inspect and maintain petrel databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	getCmd := &cobra.Command{
		Use:   "get <db-path> <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			value, err := db.Get([]byte(args[1]), nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", value)
			return nil
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan <db-path>",
		Short: "List key-value pairs in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			iter, err := db.NewIterator(nil)
			if err != nil {
				return err
			}
			defer iter.Close()

			count := 0
			if startKey != "" {
				iter.Seek([]byte(startKey))
			} else {
				iter.SeekToFirst()
			}
			for ; iter.Valid(); iter.Next() {
				if endKey != "" && string(iter.Key()) >= endKey {
					break
				}
				fmt.Printf("%q: %q\n", iter.Key(), iter.Value())
				count++
				if limit > 0 && count >= limit {
					break
				}
			}
			if err := iter.Error(); err != nil {
				return err
			}
			fmt.Printf("%d entries\n", count)
			return nil
		},
	}
	scanCmd.Flags().StringVar(&startKey, "start", "", "first key to scan (inclusive)")
	scanCmd.Flags().StringVar(&endKey, "end", "", "key to stop at (exclusive)")
	scanCmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to print (0 = unlimited)")

	propsCmd := &cobra.Command{
		Use:   "props <db-path>",
		Short: "Print database properties and per-level statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			for _, prop := range []string{"stats", "sstables", "approximate-memory-usage"} {
				if v, ok := db.GetProperty(prop); ok {
					fmt.Printf("== %s ==\n%s\n", prop, v)
				}
			}
			return nil
		},
	}

	compactCmd := &cobra.Command{
		Use:   "compact <db-path>",
		Short: "Compact the entire key space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.CompactRange(nil, nil); err != nil {
				return err
			}
			fmt.Println("compaction complete")
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <db-path>",
		Short: "Walk every entry and check ordering and checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			iter, err := db.NewIterator(&petrel.ReadOptions{NoBlockCache: true})
			if err != nil {
				return err
			}
			defer iter.Close()

			var prev []byte
			count := 0
			for iter.SeekToFirst(); iter.Valid(); iter.Next() {
				key := iter.Key()
				if prev != nil && keys.UserKey(prev).Compare(keys.UserKey(key)) >= 0 {
					return fmt.Errorf("ordering violation: %q then %q", prev, key)
				}
				prev = append(prev[:0], key...)
				count++
			}
			if err := iter.Error(); err != nil {
				return err
			}
			fmt.Printf("ok: %d entries in order\n", count)
			return nil
		},
	}

	root.AddCommand(getCmd, scanCmd, propsCmd, compactCmd, verifyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
