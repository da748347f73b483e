package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/always-cache/filecache/cache"
	"github.com/always-cache/filecache/internal/config"
)

func newInspectCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the shared index of a running server",
		Long: `Attach to the shared index configured by cache.zone_path and print its
statistics and the most recently used entries. Without a zone path the
index is private and empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger := zerolog.Nop()
			cacheConfig, err := cfg.CacheConfig(&logger, nil)
			if err != nil {
				return err
			}
			store, err := cache.Open(cacheConfig)
			if err != nil {
				return err
			}
			defer store.Close()
			return inspect(cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to list, 0 for all")
	return cmd
}

func inspect(out io.Writer, store *cache.Cache, limit int) error {
	s := store.Stats()
	fmt.Fprintf(out, "entries:   %d / %d\n", s.Entries, s.Capacity)
	fmt.Fprintf(out, "size:      %d", s.Size)
	if s.MaxSize > 0 {
		fmt.Fprintf(out, " / %d", s.MaxSize)
	}
	fmt.Fprintf(out, " bytes\nwatermark: %d\n", s.Watermark)
	switch {
	case s.Loading:
		fmt.Fprintln(out, "state:     loading")
	case s.Cold:
		fmt.Fprintln(out, "state:     cold")
	default:
		fmt.Fprintln(out, "state:     ready")
	}
	if s.Entries == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tUSES\tREFS\tSIZE\tEXPIRES\tFLAGS")
	n := 0
	store.Each(func(e cache.EntryInfo) bool {
		flags := ""
		if e.Exists {
			flags += "E"
		}
		if e.Updating {
			flags += "U"
		}
		if e.Error != 0 {
			flags += fmt.Sprintf("!%d", e.Error)
		}
		expires := "-"
		if e.Expire != 0 {
			expires = time.Unix(e.Expire, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n", e.Key, e.Uses, e.Count, e.Size, expires, flags)
		n++
		return limit <= 0 || n < limit
	})
	return w.Flush()
}
