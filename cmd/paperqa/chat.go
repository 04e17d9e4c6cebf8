package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/rag"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/pkg/metrics"
)

const (
	maxLineBytes = 1 << 20
	previewRunes = 200
	rule         = "================================================================================"
	thinRule     = "--------------------------------------------------------------------------------"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive search and question answering",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	log := newLogger(os.Stderr, jsonLogs, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := openServices(ctx, cfg, log, metrics.New())
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	r := &repl{
		in:           newLineScanner(cmd.InOrStdin(), cmd.OutOrStdout(), maxLineBytes),
		out:          cmd.OutOrStdout(),
		searcher:     svc.searcher(),
		answerer:     svc.answerer(),
		sess:         search.NewSession(),
		defaultLimit: cfg.Search.DefaultLimit,
	}
	return r.run(ctx)
}

type paperSearcher interface {
	Search(ctx context.Context, sess *search.Session, query string, limit int) ([]domain.ScoredPaper, error)
}

type answerer interface {
	Answer(ctx context.Context, sess *search.Session, query string, retrieved []domain.ScoredPaper) (*rag.Answer, error)
}

// repl is the interactive loop. A failed command prints an error and the
// loop continues; only quit or end of input stops it.
type repl struct {
	in           *bufio.Scanner
	out          io.Writer
	searcher     paperSearcher
	answerer     answerer
	sess         *search.Session
	defaultLimit int
}

const helpText = `Commands:
  search <query>   find papers, skipping ones already shown this session
  ask <question>   answer a question from the most relevant papers
  analytics        session statistics
  clear-session    allow previously shown papers to appear again
  history          searches and answers so far
  help             this message
  quit             exit (also: exit, q)`

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "\nResearch Paper Q&A System")
	fmt.Fprintln(r.out, helpText)
	for {
		line, ok := r.prompt("\n> ")
		if !ok {
			return r.in.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		if quit := r.dispatch(ctx, line); quit {
			return nil
		}
	}
}

// newLineScanner splits input into lines like bufio.ScanLines, except that
// a line longer than maxLine is reported on out and dropped instead of
// ending the scan.
func newLineScanner(in io.Reader, out io.Writer, maxLine int) *bufio.Scanner {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	discarding := false
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 && discarding {
			discarding = false
			return i + 1, nil, nil
		} else if i < 0 && (len(data) >= maxLine || discarding) {
			if !discarding {
				discarding = true
				fmt.Fprintf(out, "\nError: input line longer than %d bytes ignored\n", maxLine)
			}
			if atEOF {
				discarding = false
			}
			return len(data), nil, nil
		}
		return bufio.ScanLines(data, atEOF)
	})
	return sc
}

func (r *repl) prompt(p string) (string, bool) {
	fmt.Fprint(r.out, p)
	if !r.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}

// dispatch runs one command line and reports whether to quit.
func (r *repl) dispatch(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "":
	case "quit", "exit", "q":
		fmt.Fprintln(r.out, "Goodbye!")
		return true
	case "help":
		fmt.Fprintln(r.out, helpText)
	case "search":
		if arg == "" {
			fmt.Fprintln(r.out, "Usage: search <query>")
			return false
		}
		r.search(ctx, arg, r.askLimit("How many results?"))
	case "ask":
		if arg == "" {
			fmt.Fprintln(r.out, "Usage: ask <question>")
			return false
		}
		r.ask(ctx, arg, r.askLimit("How many papers to consider?"))
	case "analytics":
		printAnalytics(r.out, r.sess.Analytics())
	case "clear-session":
		r.sess.Clear()
		fmt.Fprintln(r.out, "Session cleared: previously shown papers can appear again.")
	case "history":
		printHistory(r.out, r.sess)
	default:
		fmt.Fprintf(r.out, "Unknown command %q. Type 'help' for the list of commands.\n", cmd)
	}
	return false
}

func (r *repl) askLimit(question string) int {
	fmt.Fprintf(r.out, "\n%s (default: %d)\n", question, r.defaultLimit)
	line, _ := r.prompt("> ")
	return parseLimit(line, r.defaultLimit)
}

func (r *repl) search(ctx context.Context, query string, limit int) {
	results, err := r.searcher.Search(ctx, r.sess, query, limit)
	if err != nil {
		printError(r.out, "search", err)
		return
	}
	printResults(r.out, results)
}

func (r *repl) ask(ctx context.Context, question string, limit int) {
	results, err := r.searcher.Search(ctx, r.sess, question, limit)
	if err != nil {
		printError(r.out, "search", err)
		return
	}
	ans, err := r.answerer.Answer(ctx, r.sess, question, results)
	if err != nil {
		printError(r.out, "generation", err)
		return
	}
	printAnswer(r.out, ans)
	if !ans.NoResults {
		fmt.Fprintln(r.out, "\nRelevant Papers:")
		printResults(r.out, results)
	}
}

// parseLimit reads a result count; blank, unparsable or non-positive input
// yields def.
func parseLimit(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func printError(w io.Writer, what string, err error) {
	fmt.Fprintf(w, "Error during %s: %v\n", what, err)
	if hint := serviceHint(err); hint != "" {
		fmt.Fprintln(w, hint)
	}
}

func printResults(w io.Writer, results []domain.ScoredPaper) {
	if len(results) == 0 {
		fmt.Fprintln(w, "\nNo new papers found. Papers already shown this session are skipped; use clear-session to see them again.")
		return
	}
	fmt.Fprintln(w, "\nSearch Results:")
	fmt.Fprintln(w, rule)
	for i, p := range results {
		fmt.Fprintf(w, "\n%d. Title: %s\n", i+1, p.Title)
		fmt.Fprintf(w, "Relevance Score: %.2f (%s)\n", p.Score, search.Explain(p.Score))
		fmt.Fprintf(w, "Source: %s\n", p.SourceDocument)
		fmt.Fprintf(w, "Abstract preview: %s\n", preview(p.Abstract, previewRunes))
		fmt.Fprintln(w, thinRule)
	}
}

func printAnswer(w io.Writer, ans *rag.Answer) {
	fmt.Fprintln(w, "\nAI Response:")
	fmt.Fprintln(w, rule)
	if ans.NoResults || len(ans.Sections) == 0 {
		fmt.Fprintln(w, ans.Text)
		return
	}
	for _, sec := range rag.AllSections() {
		text, ok := ans.Sections[sec]
		if !ok {
			continue
		}
		if sec != rag.SectionMain {
			fmt.Fprintf(w, "\n%s:\n", sec)
		}
		fmt.Fprintln(w, text)
	}
	if len(ans.Citations) > 0 {
		cited := make([]string, 0, len(ans.Citations))
		for _, pos := range ans.Citations {
			src := ans.Sources[pos-1]
			cited = append(cited, fmt.Sprintf("%s %s", src.Label(), src.Title))
		}
		fmt.Fprintf(w, "\nCited: %s\n", strings.Join(cited, "; "))
	}
	if len(ans.Related) > 0 {
		fmt.Fprintf(w, "\nRelated reading: %s\n", strings.Join(ans.Related, "; "))
	}
}

func printAnalytics(w io.Writer, a search.Analytics) {
	fmt.Fprintln(w, "\nSession Analytics:")
	fmt.Fprintf(w, "  Total searches:        %d\n", a.TotalSearches)
	fmt.Fprintf(w, "  Unique papers shown:   %d\n", a.UniquePapersShown)
	fmt.Fprintf(w, "  Mean relevance:        %.2f\n", a.MeanRelevance)
	fmt.Fprintf(w, "  Questions answered:    %d\n", a.TotalAnswers)
}

func printHistory(w io.Writer, sess *search.Session) {
	searches, answers := sess.SearchHistory(), sess.QAHistory()
	if len(searches) == 0 && len(answers) == 0 {
		fmt.Fprintln(w, "No history yet.")
		return
	}
	if len(searches) > 0 {
		fmt.Fprintln(w, "\nSearches:")
		for _, e := range searches {
			fmt.Fprintf(w, "  [%s] %q: %d results, mean relevance %.2f\n",
				e.Time.Format("15:04:05"), e.Query, e.Count, e.MeanRelevance)
		}
	}
	if len(answers) > 0 {
		fmt.Fprintln(w, "\nQuestions:")
		for _, e := range answers {
			fmt.Fprintf(w, "  [%s] %q: %d sources, %s\n",
				e.Time.Format("15:04:05"), e.Query, e.SourceCount, preview(e.Response, 80))
		}
	}
}
