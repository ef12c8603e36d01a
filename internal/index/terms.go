// ABOUTME: Salient term extraction from markdown message content
// ABOUTME: Parses with goldmark, keeps prose text, drops stop words and ranks by frequency

package index

import (
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// PlainText returns the prose of a markdown document: text nodes and inline
// code, without markup. Fenced and indented code blocks are skipped.
func PlainText(markdown string) string {
	if markdown == "" {
		return ""
	}
	source := []byte(markdown)
	doc := parser().Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// Tokenize splits s into lower-case words of letters and digits. Hyphens
// and underscores inside a word are kept.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

// SalientTerms returns up to n distinct terms from markdown content, most
// frequent first, ties broken by first occurrence.
func SalientTerms(markdown string, n int) []string {
	if n <= 0 {
		return nil
	}
	type termCount struct {
		term  string
		count int
		first int
	}
	counts := map[string]*termCount{}
	for i, tok := range Tokenize(PlainText(markdown)) {
		tok = strings.Trim(tok, "-_")
		if !salient(tok) {
			continue
		}
		if tc, ok := counts[tok]; ok {
			tc.count++
			continue
		}
		counts[tok] = &termCount{term: tok, count: 1, first: i}
	}

	ranked := make([]*termCount, 0, len(counts))
	for _, tc := range counts {
		ranked = append(ranked, tc)
	}
	slices.SortFunc(ranked, func(a, b *termCount) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})

	out := make([]string, 0, n)
	for _, tc := range ranked {
		if len(out) == n {
			break
		}
		out = append(out, tc.term)
	}
	return out
}

func salient(tok string) bool {
	if len([]rune(tok)) < 3 || len(tok) > 64 {
		return false
	}
	if stopWords[tok] {
		return false
	}
	return strings.IndexFunc(tok, unicode.IsLetter) >= 0
}

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		about above after again against all also and any are because been before
		being below between both but can cannot could did does doing don done down during
		each else even ever every few for from further had has have having her here hers
		him his how however into its itself just least less let like made make many may
		more most much must near need needs not now off once only other our ours out over
		own per please same she should since some still such than that the their theirs
		them then there these they this those though through thus too under until upon
		very was way well were what when where which while who whom whose why will with
		within without would yes yet you your yours
		use used using get got one two three new now see via
	`) {
		stopWords[w] = true
	}
}
