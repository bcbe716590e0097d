package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/config"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
	"github.com/williamDalston/social-media-scraper-sub002/internal/source"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// --- scrape ---

var scrapeCmd = &cobra.Command{
	Use:   "scrape [account-id...]",
	Short: "Trigger a scrape run on the running server",
	Long: `Trigger a scrape run on the running server and wait for its summary.

Examples:
  smtrack scrape                        # accounts without today's snapshot
  smtrack scrape --mode priority        # due priority accounts only
  smtrack scrape --mode all             # everything, overwriting today
  smtrack scrape acct-1 acct-2          # re-enqueue specific accounts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		req := scrape.Request{Mode: scrape.Mode(mode), AccountIDs: args}
		if len(args) > 0 {
			if mode != "" && scrape.Mode(mode) != scrape.ModeAccounts {
				return fmt.Errorf("account ids can only be given with --mode accounts")
			}
			req.Mode = scrape.ModeAccounts
		}
		if _, err := scrape.ParseMode(string(req.Mode)); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 0

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		printStep("Running %s scrape...", modeLabel(req.Mode))
		sum, err := triggerScrape(ctx, client, req)
		if err != nil {
			return err
		}
		printRunSummary(stdout, sum)
		if sum.Failed > 0 {
			printWarning("%d of %d accounts failed", sum.Failed, sum.Attempted)
		} else {
			printSuccess("Run %s finished in %s", sum.ID, sum.Duration.Round(time.Millisecond))
		}
		return nil
	},
}

var scrapeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent scrape runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []storage.RunRecord
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(stdout, "No runs recorded.")
			return nil
		}
		printRuns(stdout, runs)
		return nil
	},
}

func init() {
	scrapeCmd.Flags().String("mode", "", "due (default), priority, all or accounts")
	scrapeCmd.Flags().Duration("timeout", 30*time.Minute, "how long to wait for the run to finish")
	scrapeHistoryCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	scrapeCmd.AddCommand(scrapeHistoryCmd)
}

func modeLabel(m scrape.Mode) string {
	if m == "" {
		return string(scrape.ModeDue)
	}
	return string(m)
}

func triggerScrape(ctx context.Context, client *apiClient, req scrape.Request) (scrape.RunSummary, error) {
	resp, err := client.post(ctx, "/api/scrape", req)
	if err != nil {
		return scrape.RunSummary{}, err
	}
	var sum scrape.RunSummary
	if err := decodeJSON(resp, &sum); err != nil {
		return scrape.RunSummary{}, err
	}
	return sum, nil
}

func printRunSummary(w io.Writer, sum scrape.RunSummary) {
	fmt.Fprintf(w, "%s %s  mode=%s date=%s\n", colorize(colorBold, "Run"), sum.ID, sum.Mode, sum.Date)
	fmt.Fprintf(w, "  attempted %d, succeeded %d, failed %d", sum.Attempted, sum.Succeeded, sum.Failed)
	if sum.Skipped > 0 {
		fmt.Fprintf(w, ", skipped %d", sum.Skipped)
	}
	fmt.Fprintln(w)
	for _, f := range sum.Failures {
		fmt.Fprintf(w, "  %s %s/%s after %d attempt(s): %s (%s)\n",
			colorize(colorRed, "✗"), f.Source, f.Handle, f.Attempts, f.Kind, f.Error)
	}
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tDURATION\tATTEMPTED\tSUCCEEDED\tFAILED\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Mode,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.Attempted, r.Succeeded, r.Failed,
			r.ID,
		)
	}
	tw.Flush()
}

// --- accounts ---

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage tracked accounts",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <source> <handle>",
	Short: "Start tracking an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		priority, _ := cmd.Flags().GetBool("priority")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		acc, err := addAccount(store, args[0], args[1], id, priority)
		if err != nil {
			return err
		}
		if !slices.Contains(source.Known(), acc.Source) {
			printWarning("%q is not a known source; runs will report it as unsupported", acc.Source)
		}
		printSuccess("Tracking %s/%s as %s", acc.Source, acc.Handle, acc.ID)
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		accounts, err := store.ListAccounts()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Fprintln(stdout, "No tracked accounts.")
			return nil
		}
		printAccounts(stdout, accounts)
		return nil
	},
}

var accountsHistoryCmd = &cobra.Command{
	Use:   "history <source> <handle>",
	Short: "Show daily snapshots for one account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), historyPath(args[0], args[1]))
		if err != nil {
			return err
		}
		var h dashboard.History
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}
		printHistory(stdout, h)
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().String("id", "", "account id (default: generated)")
	accountsAddCmd.Flags().Bool("priority", false, "scrape this account before non-priority ones")
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsHistoryCmd)
}

// historyPath builds the API path for one account's history.
func historyPath(src, handle string) string {
	return "/api/history/" + url.PathEscape(src) + "/" + url.PathEscape(handle)
}

func printHistory(w io.Writer, h dashboard.History) {
	fmt.Fprintf(w, "%s %s/%s (%s)\n", colorize(colorBold, "Account"), h.Account.Source, h.Account.Handle, h.Account.ID)
	if len(h.Snapshots) == 0 {
		fmt.Fprintln(w, "No snapshots yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tFOLLOWERS\tENGAGEMENT\tPOSTS\tNOTES")
	for _, s := range h.Snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.Date, humanCount(s.FollowerCount), humanCount(s.EngagementTotal), humanCount(s.PostCount),
			strings.Join(s.Notes, "; "))
	}
	tw.Flush()
}

// openStore opens the record store directly; replaced in tests.
var openStore = func() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

var errAlreadyTracked = errors.New("account already tracked")

type accountStore interface {
	FindAccount(source, handle string) (storage.TrackedAccount, error)
	CreateAccount(a storage.TrackedAccount) error
}

// addAccount normalizes src and handle and creates the account unless the
// pair is already tracked.
func addAccount(store accountStore, src, handle, id string, priority bool) (storage.TrackedAccount, error) {
	src = strings.ToLower(strings.TrimSpace(src))
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if src == "" || handle == "" {
		return storage.TrackedAccount{}, fmt.Errorf("source and handle are required")
	}

	existing, err := store.FindAccount(src, handle)
	switch {
	case err == nil:
		return storage.TrackedAccount{}, fmt.Errorf("%s/%s: %w (id %s)", src, handle, errAlreadyTracked, existing.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return storage.TrackedAccount{}, fmt.Errorf("looking up %s/%s: %w", src, handle, err)
	}

	if id == "" {
		id = uuid.NewString()
	}
	acc := storage.TrackedAccount{
		ID:         id,
		Source:     src,
		Handle:     handle,
		IsPriority: priority,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateAccount(acc); err != nil {
		return storage.TrackedAccount{}, err
	}
	return acc, nil
}

func printAccounts(w io.Writer, accounts []storage.TrackedAccount) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tHANDLE\tPRIORITY\tLAST SCRAPED")
	for _, a := range accounts {
		last := "never"
		if a.LastScrapedAt != nil {
			last = a.LastScrapedAt.Local().Format(time.DateTime)
		}
		prio := ""
		if a.IsPriority {
			prio = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Source, a.Handle, prio, last)
	}
	tw.Flush()
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the dashboard cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-pattern hit rates, lookup times and recommendations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/cache/stats")
		if err != nil {
			return err
		}
		var stats cache.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printCacheStats(stdout, stats)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
}

func printCacheStats(w io.Writer, stats cache.Stats) {
	tier := "L1 only"
	switch {
	case stats.L2Configured && stats.Degraded:
		tier = colorize(colorYellow, "L1 + L2 (L2 unreachable)")
	case stats.L2Configured:
		tier = "L1 + L2"
	}
	fmt.Fprintf(w, "%s %s, %d L1 entries\n", colorize(colorBold, "Tiers:"), tier, stats.L1Entries)

	if len(stats.Patterns) == 0 {
		fmt.Fprintln(w, "No lookups recorded yet.")
	} else {
		names := make([]string, 0, len(stats.Patterns))
		for name := range stats.Patterns {
			names = append(names, name)
		}
		sort.Strings(names)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PATTERN\tHITS\tMISSES\tHIT RATE\tAVG ms\tP95 ms")
		for _, name := range names {
			p := stats.Patterns[name]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%.2f\t%.2f\n",
				name, humanCount(p.Hits), humanCount(p.Misses), p.HitRate*100, p.AvgTimeMs, p.P95TimeMs)
		}
		tw.Flush()
	}

	for _, r := range stats.Recommendations {
		fmt.Fprintf(w, "%s %s: %s\n", colorize(colorYellow, "⚠"), r.Pattern, r.Message)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("File", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

