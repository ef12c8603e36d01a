// ABOUTME: Index subcommands: search, related, tags and stats
// ABOUTME: Renders ranked hits with scores and snippets, tag counts and aggregate statistics

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/index"
	"github.com/2389/coven-courier/internal/store"
)

const dateLayout = "2006-01-02"

func runSearch(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("search", &g)
	tags := fs.StringSlice("tags", nil, "every listed tag must be present")
	as := fs.String("participant", "", "only messages this participant sent or received")
	since := fs.String("since", "", "only messages created on or after this date (YYYY-MM-DD)")
	until := fs.String("until", "", "only messages created before this date (YYYY-MM-DD)")
	semantic := fs.Bool("semantic", false, "favour summaries and reward terms that are also tags")
	limit := fs.Int("limit", index.DefaultLimit, "maximum hits")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := index.Query{
		Text:        strings.Join(fs.Args(), " "),
		Participant: *as,
		Tags:        *tags,
		Semantic:    *semantic,
		Limit:       *limit,
	}
	var err error
	if q.Since, err = parseDate(*since); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if q.Until, err = parseDate(*until); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	hits, err := c.Index.SearchMessages(ctx, q)
	if err != nil {
		return err
	}
	printHits(hits)
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func printHits(hits []index.Hit) {
	if len(hits) == 0 {
		fmt.Println("  (no matches)")
		return
	}
	cyan := color.New(color.FgCyan)
	for _, h := range hits {
		m := h.Message
		cyan.Printf("  %.2f  %s", h.Score, m.ID)
		fmt.Printf("  %s  %s\n", m.Subject, color.HiBlackString(humanize.Time(m.CreatedAt)))
		if h.Snippet != "" {
			fmt.Printf("        %s\n", strings.ReplaceAll(h.Snippet, "\n", " "))
		}
		if len(m.Tags) > 0 {
			fmt.Printf("        %s\n", color.HiBlackString("#"+strings.Join(m.Tags, " #")))
		}
	}
}

func runRelated(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("related", &g)
	as := fs.String("participant", "", "only messages this participant sent or received")
	limit := fs.Int("limit", index.DefaultLimit, "maximum hits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-courier related <message-id>")
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	hits, err := c.Index.FindRelated(ctx, fs.Arg(0), *as, *limit)
	if err != nil {
		return err
	}
	printHits(hits)
	return nil
}

func runTags(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("tags", &g)
	prefix := fs.String("prefix", "", "tag prefix")
	as := fs.String("participant", "", "only tags on this participant's messages")
	limit := fs.Int("limit", index.DefaultLimit, "maximum tags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	counts, err := c.Index.TagSuggestions(ctx, *prefix, *as, *limit)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Println("  (no tags)")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TAG\tUSES")
	fmt.Fprintln(w, "  ---\t----")
	for _, tc := range counts {
		fmt.Fprintf(w, "  %s\t%s\n", tc.Tag, humanize.Comma(int64(tc.Count)))
	}
	w.Flush()
	return nil
}

func runStats(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("stats", &g)
	as := fs.String("participant", "", "only messages this participant sent or received")
	days := fs.Int("days", 0, "trailing window in days (0 for all time)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Index.MessageStats(ctx, *as, *days)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	window := "all time"
	if st.WindowDays > 0 {
		window = fmt.Sprintf("last %d days", st.WindowDays)
	}
	who := "all participants"
	if st.Participant != "" {
		who = st.Participant
	}
	fmt.Println()
	cyan.Printf("  Messages for %s, %s\n", who, window)
	cyan.Println("  ------------------------------------")
	fmt.Printf("  Total:        %s\n", humanize.Comma(int64(st.Total)))
	if st.Participant != "" {
		fmt.Printf("  Sent:         %s\n", humanize.Comma(int64(st.Sent)))
		fmt.Printf("  Received:     %s\n", humanize.Comma(int64(st.Received)))
	}
	fmt.Printf("  Answered:     %d of %d (%.0f%%)\n", st.Answered, st.RequiringResponse, st.ResponseRate*100)
	if st.Resolved > 0 {
		fmt.Printf("  Resolved:     %d, avg %.1fh\n", st.Resolved, st.AvgResolutionHours)
	}

	printCounts("By type", st.ByType)
	printCounts("By priority", st.ByPriority)
	printCounts("By status", st.ByStatus)
	fmt.Println()
	return nil
}

func printCounts[K store.Type | store.Priority | store.Status](title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b K) int {
		if d := counts[b] - counts[a]; d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
	fmt.Println()
	color.New(color.FgCyan).Printf("  %s\n", title)
	for _, k := range keys {
		fmt.Printf("    %-12s %d\n", k, counts[k])
	}
}
