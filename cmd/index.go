package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/andresmejia3/softteacher/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var resetYes bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the labeled-item index used for class exemplars",
}

var indexIngestCmd = &cobra.Command{
	Use:   "ingest <items.jsonl>",
	Short: "Add labeled images to the index (one JSON item per line)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := os.Open(args[0])
		if err != nil {
			utils.Die("Unable to open item file", err, nil)
		}
		defer f.Close()

		idx, err := openIndex(cmd.Context())
		if err != nil {
			utils.Die("Labeled-item index unavailable", err, nil)
		}
		n, err := ingestItems(cmd.Context(), idx, f, os.Stderr)
		if err != nil {
			utils.Die("Ingest failed", err, nil)
		}
		fmt.Printf("✅ Indexed %d items\n", n)
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many indexed items contain each label",
	Run: func(cmd *cobra.Command, args []string) {
		idx, err := openIndex(cmd.Context())
		if err != nil {
			utils.Die("Labeled-item index unavailable", err, nil)
		}
		counts, err := idx.LabelCounts(cmd.Context())
		if err != nil {
			utils.Die("Failed to count labels", err, nil)
		}
		writeStats(os.Stdout, counts)
	},
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every indexed item",
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DROP the labeled-item index?") {
			return
		}
		idx, err := openIndex(cmd.Context())
		if err != nil {
			utils.Die("Labeled-item index unavailable", err, nil)
		}
		fmt.Println("🗑️  Clearing index...")
		if err := idx.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset index", err, nil)
		}
		fmt.Println("✨ Index reset complete.")
	},
}

func init() {
	indexResetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")

	indexCmd.AddCommand(indexIngestCmd, indexStatsCmd, indexResetCmd)
	rootCmd.AddCommand(indexCmd)
}

// ingestItems inserts every item of a JSONL stream, stopping at the first
// invalid line.
func ingestItems(ctx context.Context, idx store.Index, r io.Reader, progress io.Writer) (int, error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("📥 Indexing"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	line, n := 0, 0
	for scanner.Scan() {
		line++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		var it store.Item
		if err := json.Unmarshal(scanner.Bytes(), &it); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := it.Validate(); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := idx.Insert(ctx, it); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
		bar.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func writeStats(w io.Writer, counts map[int]int) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "No items found in index.")
		return
	}
	labels := make([]int, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tITEMS")
	fmt.Fprintln(tw, "-----\t-----")
	for _, l := range labels {
		fmt.Fprintf(tw, "%d\t%d\n", l, counts[l])
	}
	tw.Flush()
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
