package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile-cli/internal/model"
)

var (
	reviewBatch      string
	reviewExpireDays int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Answer pending review questions",
	Long:  "Walks the question queue in priority order (least-confident decisions first). Answering releases the linked operation: an explicit no rejects it, anything else marks it ready.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if reviewExpireDays > 0 {
			expired, err := st.ExpireOld(ctx, time.Duration(reviewExpireDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if expired > 0 {
				fmt.Fprintf(os.Stderr, "Expired %d stale questions.\n", expired)
			}
		}

		reader := bufio.NewScanner(os.Stdin)
		answered := 0
		for {
			q, err := st.NextQuestion(ctx, reviewBatch)
			if err != nil {
				return err
			}
			if q == nil {
				fmt.Printf("No pending questions. Answered %d.\n", answered)
				return nil
			}

			printQuestion(q)
			fmt.Print("> answer [yes/no/skip/quit]: ")
			if !reader.Scan() {
				return nil
			}
			answer := strings.TrimSpace(reader.Text())

			switch strings.ToLower(answer) {
			case "quit", "q":
				fmt.Printf("Stopped. Answered %d.\n", answered)
				return nil
			case "skip", "s":
				if err := st.Skip(ctx, q.ID); err != nil {
					return err
				}
			case "":
				continue
			default:
				if err := st.Answer(ctx, q.ID, answer); err != nil {
					return err
				}
				answered++
			}
		}
	},
}

func printQuestion(q *model.PendingQuestion) {
	fmt.Printf("\n[#%d] %s\n", q.ID, q.QuestionText)
	fmt.Printf("  suggested: %s (confidence %.2f)\n", q.SuggestedAction, q.Confidence)
	if candidates, ok := q.Context["candidates"].([]any); ok {
		for _, c := range candidates {
			m, ok := c.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  candidate: %v (%v, score %v)\n", m["path"], m["type"], m["score"])
		}
	}
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending review questions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		questions, err := st.PendingQuestions(ctx, reviewBatch)
		if err != nil {
			return err
		}
		if len(questions) == 0 {
			fmt.Fprintln(os.Stderr, "No pending questions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tSUGGESTED\tCONFIDENCE\tQUESTION")
		for i := range questions {
			q := &questions[i]
			fmt.Fprintf(w, "%d\t%d\t%s\t%.2f\t%s\n",
				q.ID, q.Priority, q.SuggestedAction, q.Confidence, q.QuestionText)
		}
		return w.Flush()
	},
}

func init() {
	reviewCmd.PersistentFlags().StringVar(&reviewBatch, "batch", "", "restrict to one batch id")
	reviewCmd.Flags().IntVar(&reviewExpireDays, "expire-days", 0, "expire pending questions older than this many days first")
	reviewCmd.AddCommand(reviewListCmd)
	rootCmd.AddCommand(reviewCmd)
}
