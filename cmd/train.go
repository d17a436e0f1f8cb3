package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"text/tabwriter"

	"github.com/andresmejia3/softteacher/internal/checkpoint"
	"github.com/andresmejia3/softteacher/internal/config"
	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/dist"
	"github.com/andresmejia3/softteacher/internal/queue"
	"github.com/andresmejia3/softteacher/internal/ssod"
	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/andresmejia3/softteacher/internal/types"
	"github.com/andresmejia3/softteacher/internal/utils"
	"github.com/andresmejia3/softteacher/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// TrainOptions holds the flags of the train command
type TrainOptions struct {
	Manifest string
	Ranks    int
	Steps    int
	Resume   string
	Save     string
}

var trainOpts TrainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the student on a manifest of mixed batches",
	Long: "Reads one JSON batch per manifest line, shards the batches round-robin over the ranks " +
		"and runs one detector worker per rank in lockstep.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateTrainFlags(&trainOpts); err != nil {
			utils.Die("Invalid train flags", err, nil)
		}
		ctx := cmd.Context()
		idx, err := openIndex(ctx)
		if err != nil {
			utils.Die("Labeled-item index unavailable", err, nil)
		}

		sum, err := runTrain(ctx, Cfg, idx, trainOpts, pythonModels(Cfg), os.Stderr)
		if err != nil {
			var rf *rankFailure
			if errors.As(err, &rf) {
				utils.Die(fmt.Sprintf("Rank %d failed at step %d", rf.Rank, rf.Step), rf.Err, rf.Cmd)
			}
			utils.Die("Training failed", err, nil)
		}
		printSummary(os.Stdout, sum)
	},
}

func init() {
	trainCmd.Flags().StringVarP(&trainOpts.Manifest, "manifest", "m", "", "JSONL file with one batch per line")
	trainCmd.Flags().IntVarP(&trainOpts.Ranks, "ranks", "r", 1, "Number of data-parallel ranks (one worker each)")
	trainCmd.Flags().IntVarP(&trainOpts.Steps, "steps", "s", 0, "Steps per rank (default: one pass over the largest shard)")
	trainCmd.Flags().StringVar(&trainOpts.Resume, "resume", "", "Checkpoint to resume the memory queue and step from")
	trainCmd.Flags().StringVar(&trainOpts.Save, "save", "", "Checkpoint path written after training")

	trainCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(trainCmd)
}

// rankModels is one rank's detector pair and the hooks to clean it up.
type rankModels struct {
	Pair detector.Pair
	// Release frees per-step backend state; may be nil.
	Release func(ctx context.Context) error
	Close   func()
	// Cmd carries the worker's stderr for crash reports; may be nil.
	Cmd *utils.SafeCommand
}

type modelFactory func(rank int) (*rankModels, error)

// pythonModels starts one Python worker per rank hosting both detectors.
func pythonModels(cfg *config.Config) modelFactory {
	return func(rank int) (*rankModels, error) {
		args := append(slices.Clone(cfg.Worker.Args), "--rank", strconv.Itoa(rank))
		w, err := worker.NewPythonWorker(rank, cfg.Worker.Python, cfg.Worker.Script, args...)
		if err != nil {
			return nil, err
		}
		student := worker.NewBackend(w, detector.Student, cfg.Model.WithRPN)
		teacher := worker.NewBackend(w, detector.Teacher, cfg.Model.WithRPN)
		return &rankModels{
			Pair: detector.Pair{Student: student, Teacher: teacher},
			Release: func(ctx context.Context) error {
				return errors.Join(student.Release(ctx), teacher.Release(ctx))
			},
			Close: w.Close,
			Cmd:   w.Cmd,
		}, nil
	}
}

// rankFailure is the first error raised by a rank.
type rankFailure struct {
	Rank int
	Step int
	Err  error
	Cmd  *utils.SafeCommand
}

func (f *rankFailure) Error() string {
	return fmt.Sprintf("rank %d step %d: %v", f.Rank, f.Step, f.Err)
}

func (f *rankFailure) Unwrap() error { return f.Err }

type rankLoss struct {
	rank   int
	step   int
	losses types.Losses
}

// trainSummary is what a finished run reports.
type trainSummary struct {
	RunID string
	Steps int
	// Step is the global step, including any resumed steps.
	Step int64
	Mean types.Losses
}

func runTrain(ctx context.Context, cfg *config.Config, index store.LabelIndex, opts TrainOptions, newModels modelFactory, progress io.Writer) (trainSummary, error) {
	batches, err := readManifest(opts.Manifest)
	if err != nil {
		return trainSummary{}, err
	}
	shards, err := shard(batches, opts.Ranks)
	if err != nil {
		return trainSummary{}, err
	}
	steps := opts.Steps
	if steps == 0 {
		steps = len(shards[0])
	}

	var resumed *checkpoint.Checkpoint
	if opts.Resume != "" {
		if resumed, err = checkpoint.Load(opts.Resume); err != nil {
			return trainSummary{}, fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}
	initial, err := resumedQueue(resumed)
	if err != nil {
		return trainSummary{}, err
	}

	runID := uuid.NewString()
	log := slog.With("run", runID[:8])
	log.Info("starting training", "ranks", opts.Ranks, "steps", steps, "batches", len(batches))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		modules  = make([]*ssod.SoftTeacher, opts.Ranks)
		results  = make(chan rankLoss, opts.Ranks*2)
		group    = dist.NewGroup(opts.Ranks)
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for rank := 0; rank < opts.Ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			models, err := newModels(rank)
			if err != nil {
				fail(&rankFailure{Rank: rank, Err: fmt.Errorf("worker startup: %w", err)})
				return
			}
			defer models.Close()

			st, err := ssod.New(models.Pair, index, group.Member(rank), cfg, ssod.WithLogger(log))
			if err == nil && initial != nil {
				err = st.Queue().Load(*initial)
			}
			if err != nil {
				fail(&rankFailure{Rank: rank, Err: err, Cmd: models.Cmd})
				return
			}
			modules[rank] = st

			if err := runRank(ctx, rank, st, models, shards[rank], steps, results); err != nil {
				fail(err)
			}
		}(rank)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	bar := progressbar.NewOptions(steps,
		progressbar.OptionSetDescription("🎓 Training"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
	)

	// steps complete once every rank has reported them
	pending := make(map[int]*lossMeter)
	overall := newLossMeter()
	for r := range results {
		m, ok := pending[r.step]
		if !ok {
			m = newLossMeter()
			pending[r.step] = m
		}
		m.add(r.losses)
		if m.count < opts.Ranks {
			continue
		}
		delete(pending, r.step)
		mean := m.mean()
		overall.add(mean)
		bar.Add(1)
		log.Debug("step done", "step", r.step, "loss", mean.Total())
	}
	bar.Finish()
	fmt.Fprintln(progress)

	if firstErr != nil {
		return trainSummary{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return trainSummary{}, err
	}

	sum := trainSummary{RunID: runID, Steps: steps, Step: int64(steps), Mean: overall.mean()}
	if resumed != nil {
		sum.Step += resumed.Step
	}
	if opts.Save != "" {
		if err := saveCheckpoint(opts, sum, resumed, modules[0].Queue()); err != nil {
			return trainSummary{}, err
		}
		log.Info("checkpoint saved", "path", opts.Save, "step", sum.Step)
	}
	return sum, nil
}

// runRank drives one rank through its shard, cycling when the shard is
// shorter than steps so every rank issues the same collectives.
func runRank(ctx context.Context, rank int, st *ssod.SoftTeacher, models *rankModels, shard []types.Batch, steps int, results chan<- rankLoss) error {
	for step := 0; step < steps; step++ {
		losses, err := st.ForwardTrain(ctx, shard[step%len(shard)])
		if err != nil {
			return &rankFailure{Rank: rank, Step: step, Err: err, Cmd: models.Cmd}
		}
		if models.Release != nil {
			if err := models.Release(ctx); err != nil {
				return &rankFailure{Rank: rank, Step: step, Err: fmt.Errorf("release: %w", err), Cmd: models.Cmd}
			}
		}
		select {
		case results <- rankLoss{rank: rank, step: step, losses: losses}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// resumedQueue returns the bank saved in the resumed checkpoint, or nil when
// every rank should keep the seeded bank built by ssod.New.
func resumedQueue(resumed *checkpoint.Checkpoint) (*queue.State, error) {
	if resumed == nil {
		return nil, nil
	}
	s, err := resumed.State.Queue()
	if errors.Is(err, checkpoint.ErrMissingKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func saveCheckpoint(opts TrainOptions, sum trainSummary, resumed *checkpoint.Checkpoint, q *queue.FeatureQueue) error {
	state := checkpoint.StateDict{}
	if resumed != nil {
		// model weights belong to the backend; carry them over untouched
		for k, v := range resumed.State {
			state[k] = v
		}
	}
	state.PutQueue(q.State())

	ck := &checkpoint.Checkpoint{
		Step: sum.Step,
		Meta: map[string]string{
			"run_id":   sum.RunID,
			"manifest": opts.Manifest,
			"ranks":    strconv.Itoa(opts.Ranks),
		},
		State: state,
	}
	if err := checkpoint.Save(opts.Save, ck); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// readManifest parses one types.Batch per non-empty line.
func readManifest(path string) ([]types.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var batches []types.Batch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var b types.Batch
		if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		batches = append(batches, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return batches, nil
}

// shard deals batches round-robin over ranks.
func shard(batches []types.Batch, ranks int) ([][]types.Batch, error) {
	if ranks < 1 {
		return nil, fmt.Errorf("need at least one rank, got %d", ranks)
	}
	if len(batches) < ranks {
		return nil, fmt.Errorf("%d batches cannot feed %d ranks", len(batches), ranks)
	}
	out := make([][]types.Batch, ranks)
	for i, b := range batches {
		out[i%ranks] = append(out[i%ranks], b)
	}
	return out, nil
}

// lossMeter averages each loss over the entries that reported it.
type lossMeter struct {
	sum   map[string]float64
	n     map[string]int
	count int
}

func newLossMeter() *lossMeter {
	return &lossMeter{sum: map[string]float64{}, n: map[string]int{}}
}

func (m *lossMeter) add(l types.Losses) {
	for k, v := range l {
		m.sum[k] += v
		m.n[k]++
	}
	m.count++
}

func (m *lossMeter) mean() types.Losses {
	out := make(types.Losses, len(m.sum))
	for k, v := range m.sum {
		out[k] = v / float64(m.n[k])
	}
	return out
}

func printSummary(w io.Writer, sum trainSummary) {
	fmt.Fprintf(w, "🏁 Run %s finished %d steps (global step %d)\n", sum.RunID[:8], sum.Steps, sum.Step)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "LOSS\tMEAN")
	fmt.Fprintln(tw, "----\t----")
	for _, k := range sum.Mean.Keys() {
		fmt.Fprintf(tw, "%s\t%.4f\n", k, sum.Mean[k])
	}
	fmt.Fprintf(tw, "total\t%.4f\n", sum.Mean.Total())
	tw.Flush()
}

// validateTrainFlags checks the arguments before any worker is started.
func validateTrainFlags(opts *TrainOptions) error {
	info, err := os.Stat(opts.Manifest)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("manifest does not exist: %w", err)
		}
		return fmt.Errorf("unable to access manifest: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("manifest %s is a directory, expected a JSONL file", opts.Manifest)
	}
	if opts.Ranks < 1 {
		return fmt.Errorf("ranks must be >= 1, got %d", opts.Ranks)
	}
	if opts.Steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", opts.Steps)
	}
	if opts.Resume != "" {
		if _, err := os.Stat(opts.Resume); err != nil {
			return fmt.Errorf("resume checkpoint: %w", err)
		}
	}
	return nil
}
