// ABOUTME: Message subcommands: register, send, list, show, respond, resolve, threads and compact
// ABOUTME: Each opens the courier, performs one store operation and prints a colored summary

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/store"
)

func runRegister(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("register", &g)
	id := fs.String("id", "", "participant id, e.g. @alice (required)")
	caps := fs.StringSlice("capabilities", nil, "comma-separated capabilities")
	priority := fs.String("priority", "M", "default priority: CRITICAL, H, M or L")
	status := fs.String("status", "active", "active, inactive or maintenance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	p := &participant.Participant{
		ID:              *id,
		Capabilities:    *caps,
		Status:          participant.Status(*status),
		DefaultPriority: *priority,
	}
	if err := c.Participants.Register(ctx, p); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Registered %s\n", p.ID)
	fmt.Printf("  Capabilities: %s\n", orNone(strings.Join(p.Capabilities, ", ")))
	fmt.Printf("  Priority:     %s\n", p.DefaultPriority)
	fmt.Printf("  Status:       %s\n", p.Status)
	return nil
}

func runSend(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("send", &g)
	from := fs.String("from", "", "sender participant id (required)")
	to := fs.StringSlice("to", nil, "recipient ids (required)")
	typ := fs.String("type", string(store.TypeUpdate), "arch, contract, sync, update, q, emergency or broadcast")
	priority := fs.String("priority", "", "CRITICAL, H, M or L (default: sender's default)")
	subject := fs.String("subject", "", "subject line (required)")
	body := fs.String("content", "", "message content")
	file := fs.String("file", "", "read content from a file, or - for stdin")
	tags := fs.StringSlice("tags", nil, "comma-separated tags")
	deps := fs.StringSlice("depends-on", nil, "ids this message depends on")
	replyTo := fs.String("reply-to", "", "id of the message being replied to")
	thread := fs.String("thread", "", "thread id to join")
	branch := fs.String("branch-of", "", "create a sub-message of this id")
	expires := fs.Int("expires-in", 0, "hours until the message expires")
	key := fs.String("idempotency-key", "", "deduplicate retries carrying the same key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" {
		return errors.New("--from is required")
	}

	text := *body
	if *file != "" {
		data, err := readContent(*file)
		if err != nil {
			return err
		}
		text = string(data)
	}

	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := c.Messages.CreateMessage(ctx, store.CreateInput{
		To:             *to,
		Type:           store.Type(*typ),
		Priority:       store.Priority(*priority),
		Subject:        *subject,
		Content:        text,
		Tags:           *tags,
		Dependencies:   *deps,
		ThreadID:       *thread,
		ReplyTo:        *replyTo,
		BranchOf:       *branch,
		ExpiresInHours: *expires,
		IdempotencyKey: *key,
	}, *from)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Sent %s\n", m.ID)
	fmt.Printf("  Thread:   %s\n", m.ThreadID)
	fmt.Printf("  To:       %s\n", strings.Join(m.To, ", "))
	fmt.Printf("  Tags:     %s\n", orNone(strings.Join(m.Tags, ", ")))
	if m.Overflowed() {
		fmt.Printf("  Content:  stored out of line (%s)\n", humanize.IBytes(uint64(len(text))))
	}
	return nil
}

func readContent(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

func runList(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("list", &g)
	as := fs.String("as", "", "participant whose messages to list (required)")
	statuses := fs.StringSlice("status", nil, "only these statuses")
	types := fs.StringSlice("type", nil, "only these types")
	thread := fs.String("thread", "", "only this thread")
	since := fs.Int("since-hours", 0, "only messages newer than this many hours")
	limit := fs.Int("limit", store.DefaultListLimit, "maximum messages")
	oldest := fs.Bool("oldest-first", false, "list oldest messages first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *as == "" {
		return errors.New("--as is required")
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	f := store.Filter{
		ThreadID:       *thread,
		SinceHours:     *since,
		ExcludeExpired: true,
		Limit:          *limit,
	}
	for _, s := range *statuses {
		f.Statuses = append(f.Statuses, store.Status(s))
	}
	for _, t := range *types {
		f.Types = append(f.Types, store.Type(t))
	}
	if *oldest {
		f.Order = store.OldestFirst
	}
	msgs, err := c.Messages.GetMessages(ctx, f, *as)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func printMessages(msgs []*store.Message) {
	if len(msgs) == 0 {
		fmt.Println("  (no messages)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tFROM\tPRI\tSTATUS\tSUBJECT\tCREATED")
	fmt.Fprintln(w, "  --\t----\t---\t------\t-------\t-------")
	for _, m := range msgs {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.From, priorityLabel(m.Priority), statusLabel(m.Status),
			truncate(m.Subject, 48), humanize.Time(m.CreatedAt))
	}
	w.Flush()
}

func priorityLabel(p store.Priority) string {
	switch p {
	case store.PriorityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(p)
	case store.PriorityHigh:
		return color.YellowString(string(p))
	default:
		return string(p)
	}
}

func statusLabel(s store.Status) string {
	switch s {
	case store.StatusPending:
		return color.CyanString(string(s))
	case store.StatusResolved:
		return color.GreenString(string(s))
	case store.StatusCancelled, store.StatusArchived:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

func runShow(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("show", &g)
	as := fs.String("as", "", "mark the message read for this recipient")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-courier show <message-id>")
	}
	id := fs.Arg(0)
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := c.Messages.GetMessage(ctx, id, store.DetailFull)
	if err != nil {
		return err
	}
	if *as != "" && m.Status == store.StatusPending && m.Involves(*as) && m.From != *as {
		if _, err := c.Messages.MarkRead(ctx, id, *as); err != nil {
			return err
		}
		if m, err = c.Messages.GetMessage(ctx, id, store.DetailFull); err != nil {
			return err
		}
	}
	responses, err := c.Messages.GetResponses(ctx, id, store.DetailFull)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  %s  %s\n", m.ID, m.Subject)
	fmt.Printf("  From:      %s\n", m.From)
	fmt.Printf("  To:        %s\n", strings.Join(m.To, ", "))
	fmt.Printf("  Type:      %s  Priority: %s  Status: %s\n", m.Type, priorityLabel(m.Priority), statusLabel(m.Status))
	fmt.Printf("  Thread:    %s\n", m.ThreadID)
	fmt.Printf("  Created:   %s\n", m.CreatedAt.Local().Format("Jan 02 15:04"))
	if len(m.Tags) > 0 {
		fmt.Printf("  Tags:      %s\n", strings.Join(m.Tags, ", "))
	}
	if len(m.Dependencies) > 0 {
		fmt.Printf("  Depends:   %s\n", strings.Join(m.Dependencies, ", "))
	}
	if m.ResolvedAt != nil {
		fmt.Printf("  Resolved:  %s by %s\n", humanize.Time(*m.ResolvedAt), m.ResolvedBy)
	}
	if m.CompactSummary != "" {
		fmt.Printf("  Compacted: %s\n", m.CompactSummary)
	}
	fmt.Println()
	fmt.Println(indent(m.Content))

	for _, r := range responses {
		fmt.Println()
		cyan.Printf("  ↳ %s from %s, %s", r.ID, r.Responder, humanize.Time(r.CreatedAt))
		if r.ResolutionStatus != "" {
			cyan.Printf(" [%s]", r.ResolutionStatus)
		}
		fmt.Println()
		fmt.Println(indent(r.Content))
	}
	fmt.Println()
	return nil
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func runRespond(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("respond", &g)
	from := fs.String("from", "", "responding participant (required)")
	body := fs.String("content", "", "response content")
	file := fs.String("file", "", "read content from a file, or - for stdin")
	resolution := fs.String("resolution", "", "partial, complete, requires_followup or blocked")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *from == "" {
		return errors.New("usage: coven-courier respond <message-id> --from @id --content text")
	}
	text := *body
	if *file != "" {
		data, err := readContent(*file)
		if err != nil {
			return err
		}
		text = string(data)
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	r, err := c.Messages.RespondMessage(ctx, fs.Arg(0), *from, text, store.ResolutionStatus(*resolution))
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Responded to %s (%s)\n", r.MessageID, r.ID)
	return nil
}

func runResolve(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("resolve", &g)
	by := fs.String("by", "", "acting participant (required)")
	cancel := fs.Bool("cancel", false, "cancel instead of resolving")
	archive := fs.Bool("archive", false, "archive instead of resolving")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *by == "" {
		return errors.New("usage: coven-courier resolve <message-id> --by @id [--cancel|--archive]")
	}
	if *cancel && *archive {
		return errors.New("--cancel and --archive are mutually exclusive")
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	id := fs.Arg(0)
	var m *store.Message
	switch {
	case *cancel:
		m, err = c.Messages.CancelMessage(ctx, id, *by)
	case *archive:
		m, err = c.Messages.ArchiveMessage(ctx, id, *by)
	default:
		m, err = c.Messages.ResolveMessage(ctx, id, *by)
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ %s is now %s\n", m.ID, m.Status)
	return nil
}

func runThreads(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("threads", &g)
	as := fs.String("as", "", "only threads this participant is part of")
	status := fs.String("status", "", "active, resolved or archived")
	limit := fs.Int("limit", store.DefaultListLimit, "maximum threads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	convs, err := c.Messages.ListConversations(ctx, *as, store.ConversationStatus(*status), *limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("  (no threads)")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  THREAD\tSTATUS\tMSGS\tPARTICIPANTS\tTOPIC\tACTIVE")
	fmt.Fprintln(w, "  ------\t------\t----\t------------\t-----\t------")
	for _, cv := range convs {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
			cv.ThreadID, cv.Status, cv.MessageCount, truncate(strings.Join(cv.Participants, ","), 32),
			truncate(cv.Topic, 40), humanize.Time(cv.LastActivity))
	}
	w.Flush()
	return nil
}

func runCompact(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("compact", &g)
	by := fs.String("by", "", "acting participant (required)")
	strategy := fs.String("strategy", string(store.CompactSummarize), "summarize, consolidate or archive")
	keepDecisions := fs.Bool("preserve-decisions", true, "leave arch, contract and decision-tagged messages intact")
	keepCritical := fs.Bool("preserve-critical", true, "leave CRITICAL messages intact")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *by == "" {
		return errors.New("usage: coven-courier compact <thread-id> --by @id")
	}
	c, _, err := openCourier(ctx, &g)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Messages.CompactThread(ctx, fs.Arg(0), store.CompactOptions{
		Strategy:          store.CompactStrategy(*strategy),
		PreserveDecisions: *keepDecisions,
		PreserveCritical:  *keepCritical,
	}, *by)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ Compacted %s with %s\n", res.ThreadID, res.Strategy)
	fmt.Printf("  Compacted: %d\n", res.Compacted)
	fmt.Printf("  Preserved: %d\n", res.Preserved)
	fmt.Printf("  Reclaimed: %s\n", humanize.IBytes(uint64(res.BytesReclaimed)))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
