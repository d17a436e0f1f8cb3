package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/softteacher/internal/checkpoint"
	"github.com/andresmejia3/softteacher/internal/utils"
	"github.com/spf13/cobra"
)

var ckptCmd = &cobra.Command{
	Use:   "ckpt",
	Short: "Inspect and upgrade training checkpoints",
}

var ckptMigrateCmd = &cobra.Command{
	Use:   "migrate <in> <out>",
	Short: "Rewrite a single-detector checkpoint as a student/teacher checkpoint",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ck, migrated, err := migrateCheckpoint(args[0], args[1])
		if err != nil {
			utils.Die("Checkpoint migration failed", err, nil)
		}
		if migrated {
			fmt.Printf("✅ Migrated %s -> %s (%d tensors)\n", args[0], args[1], len(ck.State))
		} else {
			fmt.Printf("✅ %s already holds student and teacher weights; copied to %s\n", args[0], args[1])
		}
	},
}

var ckptInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "List the tensors and metadata of a checkpoint",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ck, err := checkpoint.Load(args[0])
		if err != nil {
			utils.Die("Failed to load checkpoint", err, nil)
		}
		writeInspect(os.Stdout, ck)
	},
}

func init() {
	ckptCmd.AddCommand(ckptMigrateCmd, ckptInspectCmd)
	rootCmd.AddCommand(ckptCmd)
}

// migrateCheckpoint reads in, prefixes single-detector weights and writes
// the result to out.
func migrateCheckpoint(in, out string) (*checkpoint.Checkpoint, bool, error) {
	ck, err := checkpoint.Read(in)
	if err != nil {
		return nil, false, err
	}
	var migrated bool
	ck.State, migrated = checkpoint.Migrate(ck.State)
	ck.Version = checkpoint.Version
	if err := checkpoint.Save(out, ck); err != nil {
		return nil, false, err
	}
	return ck, migrated, nil
}

func writeInspect(w io.Writer, ck *checkpoint.Checkpoint) {
	fmt.Fprintf(w, "version: %d\nstep:    %d\n", ck.Version, ck.Step)
	metaKeys := make([]string, 0, len(ck.Meta))
	for k := range ck.Meta {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		fmt.Fprintf(w, "%s: %s\n", k, ck.Meta[k])
	}
	if q, err := ck.State.Queue(); err == nil {
		fmt.Fprintf(w, "queue:   %d x %d, cursor %d\n", q.K, q.Dim, q.Ptr)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSHAPE\tNUMEL")
	fmt.Fprintln(tw, "---\t-----\t-----")
	for _, k := range ck.State.Keys() {
		t := ck.State[k]
		fmt.Fprintf(tw, "%s\t%v\t%d\n", k, t.Shape, t.Numel())
	}
	tw.Flush()
}
