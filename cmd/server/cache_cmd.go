package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the media cache directory",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache entries with size and validity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openCacheStore()
		if err != nil {
			return err
		}
		return listEntries(cmd.OutOrStdout(), store)
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict KEY...",
	Short: "Delete cache entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCacheStore()
		if err != nil {
			return err
		}
		return evictEntries(cmd.OutOrStdout(), store, args)
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete entries the persisted session no longer needs",
	Long: `Sweep removes every entry outside the retain set of the persisted
session (current song, queue and the most recent history). It has no view
of a running server's access times, so stop the server first or expect
recently played entries to be refetched.`,
	Args: cobra.NoArgs,
	RunE: runCacheSweep,
}

func init() {
	cacheCmd.AddCommand(cacheListCmd, cacheEvictCmd, cacheSweepCmd)
}

func openCacheStore() (*cache.Store, error) {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return nil, err
	}
	return cache.NewStore(cfg.CacheDir, logger)
}

func listEntries(w io.Writer, store *cache.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tDURATION\tDOWNLOADED\tTITLE")
	var total uint64
	for _, key := range keys {
		size := uint64(store.Size(key))
		total += size
		meta, err := store.Inspect(key)
		if err != nil {
			status := "invalid"
			if errors.Is(err, os.ErrNotExist) {
				status = "incomplete"
			}
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t(%s)\n", key, humanize.IBytes(size), status)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			key,
			humanize.IBytes(size),
			(time.Duration(meta.Duration) * time.Second).String(),
			humanize.Time(meta.DownloadedTime()),
			meta.Title,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d entries, %s\n", len(keys), humanize.IBytes(total))
	return nil
}

func evictEntries(w io.Writer, store *cache.Store, keys []string) error {
	var failed int
	for _, key := range keys {
		if !domain.ValidKey(key) {
			fmt.Fprintf(w, "skip %s: invalid key\n", key)
			failed++
			continue
		}
		size := store.Size(key)
		if err := store.DeleteEntry(key); err != nil {
			fmt.Fprintf(w, "failed %s: %v\n", key, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "evicted %s (%s)\n", key, humanize.IBytes(uint64(size)))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries not evicted", failed, len(keys))
	}
	return nil
}

func runCacheSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	store, err := cache.NewStore(cfg.CacheDir, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	sessionStore, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	saved, err := sessionStore.Load(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("load session: %w", err)
	}
	state := domain.SessionSnapshot{
		Queue:   saved.Queue,
		Current: saved.Current,
		History: saved.History,
	}.Playback()

	evictor := cache.NewEvictor(store, cache.NewAccessTracker(nil), nil, cfg.CacheRetainHistory, cfg.CacheGracePeriod, logger)
	res := evictor.Sweep(state)

	out := cmd.OutOrStdout()
	for _, key := range res.Deleted {
		fmt.Fprintf(out, "evicted %s\n", key)
	}
	fmt.Fprintf(out, "%d evicted, %d retained, %d failed\n", len(res.Deleted), len(res.Retained), len(res.Failed))
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d entries could not be removed", len(res.Failed))
	}
	return nil
}
