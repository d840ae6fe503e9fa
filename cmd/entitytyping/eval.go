package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/entitytyping/evaluation"
	"github.com/gomlx/entitytyping/models/entitytyping"
	"github.com/gomlx/entitytyping/resultlog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate an entity typing model on a data split",
	Long: `Score every sample of a data split with an entity typing model, and report the
accuracy overall and per tag.

Each --head checkpoint is evaluated as one epoch of the run, and the result log
(--log) is updated after each. Without --head, a randomly initialized head is used.

Examples:
  # Evaluate two checkpoints, logging the results
  entitytyping eval --data-dir data/figer --split test --model ./bert-base-cased \
    --head heads/epoch0.safetensors --head heads/epoch1.safetensors --log runs/bert.json

  # Highlight the entities, and save the predictions
  entitytyping eval --model roberta-base --highlight "<e>,</e>" --predictions preds.parquet`,
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	flags := evalCmd.Flags()
	flags.String("split", "test", "Data split to evaluate")
	flags.String("model", "", "HuggingFace Hub model identifier, or local directory")
	flags.StringSlice("head", nil, "Head checkpoints to evaluate, one epoch each: .safetensors files, directories or Hub repositories")
	flags.Int("batch-size", 32, "Number of samples per batch")
	flags.Bool("use-sep", false, "Append a copy of the entity to the sentence, after a separator token")
	flags.Bool("use-summary-token", false, "Score the summary token instead of the token before the entity")
	flags.Bool("project-once", false, "Apply the head once to the token before the entity, instead of twice")
	flags.Bool("word-boundary", false, "Use the token right before the entity's first word, instead of token index start-1")
	flags.StringSlice("highlight", nil, "Left and right entity markers, e.g. \"<e>,</e>\"")
	flags.Float64("sample-rate", 1, "Fraction of the samples of each tag to keep, in (0, 1]")
	flags.Uint64("seed", 0, "Seed for down-sampling and for the random head")
	flags.Float64("dropout", 0, "Override of the backbone hidden dropout probability")
	flags.String("backend", "", "GoMLX backend configuration (default \""+entitytyping.DefaultBackend+"\")")
	flags.String("log", "", "JSON result log to create, updated after each epoch")
	flags.Bool("delete-log-on-failure", false, "Delete the result log if the evaluation fails")
	flags.String("predictions", "", "Parquet file to save the predictions to, suffixed with the epoch if there are several")
	flags.String("metrics-textfile", "", "File to write the evaluation metrics to, in Prometheus text format")
	for _, name := range []string{
		"split", "model", "head", "batch-size", "use-sep", "use-summary-token", "project-once", "word-boundary",
		"highlight", "sample-rate", "seed", "dropout", "backend", "log", "delete-log-on-failure", "predictions", "metrics-textfile",
	} {
		mustBindPFlag("eval."+strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

// evalConfig is the configuration of an evaluation run, saved at the top of its result log.
type evalConfig struct {
	RunID           string     `json:"run_id"`
	Model           string     `json:"model"`
	DataDir         string     `json:"data_dir"`
	Split           string     `json:"split"`
	MaxLength       int        `json:"max_length"`
	BatchSize       int        `json:"batch_size"`
	UseSep          bool       `json:"use_sep"`
	UseSummaryToken bool       `json:"use_summary_token"`
	ProjectOnce     bool       `json:"project_once"`
	WordBoundary    bool       `json:"word_boundary"`
	Highlight       *[2]string `json:"highlight,omitempty"`
	SampleRate      *float64   `json:"sample_rate,omitempty"`
	Seed            uint64     `json:"seed"`
	Dropout         *float64   `json:"dropout,omitempty"`
	Backend         string     `json:"backend,omitempty"`
	Heads           []string   `json:"heads,omitempty"`

	logPath            string
	deleteLogOnFailure bool
	predictionsPath    string
	metricsPath        string
}

func evalConfigFromViper() (*evalConfig, error) {
	cfg := &evalConfig{
		RunID:              newRunID(),
		Model:              viper.GetString("eval.model"),
		DataDir:            viper.GetString("data_dir"),
		Split:              viper.GetString("eval.split"),
		MaxLength:          viper.GetInt("max_length"),
		BatchSize:          viper.GetInt("eval.batch_size"),
		UseSep:             viper.GetBool("eval.use_sep"),
		UseSummaryToken:    viper.GetBool("eval.use_summary_token"),
		ProjectOnce:        viper.GetBool("eval.project_once"),
		WordBoundary:       viper.GetBool("eval.word_boundary"),
		SampleRate:         optionalFloat("eval.sample_rate"),
		Seed:               viper.GetUint64("eval.seed"),
		Backend:            viper.GetString("eval.backend"),
		Heads:              viper.GetStringSlice("eval.head"),
		logPath:            viper.GetString("eval.log"),
		deleteLogOnFailure: viper.GetBool("eval.delete_log_on_failure"),
		predictionsPath:    viper.GetString("eval.predictions"),
		metricsPath:        viper.GetString("eval.metrics_textfile"),
	}
	if cfg.Model == "" {
		return nil, errors.New("--model is required")
	}
	if highlight := viper.GetStringSlice("eval.highlight"); len(highlight) > 0 {
		if len(highlight) != 2 || highlight[0] == "" || highlight[1] == "" {
			return nil, errors.Errorf("--highlight takes a left and a right marker, got %q", highlight)
		}
		cfg.Highlight = &[2]string{highlight[0], highlight[1]}
	}
	cfg.Dropout = optionalFloat("eval.dropout")
	return cfg, nil
}

// newModel is replaced in tests.
var newModel = entitytyping.New

// epochResult is logged for each evaluated head.
type epochResult struct {
	Head    string              `json:"head,omitempty"`
	Metrics *evaluation.Metrics `json:"metrics"`
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := evalConfigFromViper()
	if err != nil {
		return err
	}
	tags, err := loadTags(cfg.DataDir)
	if err != nil {
		return err
	}
	ds, err := dataset.New(dataset.Options{
		DataDir:    cfg.DataDir,
		Split:      cfg.Split,
		MaxLength:  cfg.MaxLength,
		LabelIDs:   tags.labelIDs,
		TagMapping: tags.mapping,
		Highlight:  cfg.Highlight,
		SampleRate: cfg.SampleRate,
		Rand:       dataset.NewRand(cfg.Seed),
	})
	if err != nil {
		return err
	}
	loader, err := dataset.NewLoader(ds, cfg.BatchSize)
	if err != nil {
		return err
	}
	klog.Infof("Run %s: evaluating %s on %s (%s)", cfg.RunID, cfg.Model, cfg.Split, ds)

	opts := entitytyping.Options{
		Repo:            newRepo(cfg.Model),
		OutDim:          len(tags.labels),
		MaxLength:       cfg.MaxLength,
		UseSummaryToken: cfg.UseSummaryToken,
		Dropout:         cfg.Dropout,
		Highlight:       cfg.Highlight,
		Seed:            cfg.Seed,
		BackendConfig:   cfg.Backend,
	}
	if cfg.ProjectOnce {
		opts.Projection = entitytyping.ProjectOnce
	}
	if cfg.WordBoundary {
		opts.Boundary = entitytyping.WordBoundary
	}
	if len(cfg.Heads) > 0 {
		if opts.Head, err = loadHead(cfg.Heads[0]); err != nil {
			return err
		}
	} else {
		klog.Warningf("No --head given, evaluating a randomly initialized head")
	}
	model, err := newModel(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			klog.Warningf("Failed to close model: %v", err)
		}
	}()

	var log *resultlog.Log
	if cfg.logPath != "" {
		if log, err = resultlog.Init(cfg.logPath, cfg); err != nil {
			return err
		}
	}
	err = evaluateHeads(ctx, cmd, model, loader, tags.labels, cfg, log)
	if err != nil && log != nil && cfg.deleteLogOnFailure {
		if deleteErr := log.Delete(); deleteErr != nil {
			klog.Errorf("Failed to delete result log: %v", deleteErr)
		} else {
			klog.Infof("Deleted result log %s", log.Path())
		}
	}
	if err != nil {
		return err
	}
	if cfg.metricsPath != "" {
		return evaluation.WriteMetrics(cfg.metricsPath)
	}
	return nil
}

// evaluateHeads evaluates each head checkpoint as one epoch. The model is created with the first one.
func evaluateHeads(ctx context.Context, cmd *cobra.Command, model *entitytyping.Model, loader *dataset.Loader,
	labels []string, cfg *evalConfig, log *resultlog.Log) error {
	heads := cfg.Heads
	if len(heads) == 0 {
		heads = []string{""}
	}
	rows := make([][]string, 0, len(heads))
	var last *evaluation.Metrics
	for epoch, headPath := range heads {
		if epoch > 0 {
			head, err := loadHead(headPath)
			if err != nil {
				return err
			}
			if err := model.SetHead(head); err != nil {
				return errors.WithMessagef(err, "head %q", headPath)
			}
		}
		metrics, predictions, err := evaluation.Run(ctx, model, loader, evaluation.Options{
			Labels: labels,
			UseSep: cfg.UseSep,
			Split:  cfg.Split,
		})
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		klog.V(1).Infof("Epoch %d (%s): %s", epoch, headPath, metrics)
		if log != nil {
			if err := log.Update(epoch, epochResult{Head: headPath, Metrics: metrics}); err != nil {
				return err
			}
		}
		if cfg.predictionsPath != "" {
			if err := evaluation.WritePredictions(predictionsPath(cfg.predictionsPath, epoch, len(heads)), predictions); err != nil {
				return err
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(epoch), headPath, percent(metrics.Accuracy),
			fmt.Sprintf("%d/%d", metrics.Correct, metrics.Count),
		})
		last = metrics
	}

	out := cmd.OutOrStdout()
	printTable(out, fmt.Sprintf("%s on %s", cfg.Model, cfg.Split), []string{"Epoch", "Head", "Accuracy", "Correct"}, rows)
	tagRows := make([][]string, 0, len(labels))
	for _, tag := range labels {
		if m, found := last.PerTag[tag]; found {
			tagRows = append(tagRows, []string{tag, percent(m.Accuracy), fmt.Sprintf("%d/%d", m.Correct, m.Count)})
		}
	}
	printTable(out, fmt.Sprintf("Per tag, epoch %d", len(heads)-1), []string{"Tag", "Accuracy", "Correct"}, tagRows)
	return nil
}

// loadHead reads a head from a .safetensors file, or from a local directory or Hub repository
// holding one, possibly sharded.
func loadHead(checkpoint string) (*entitytyping.Head, error) {
	if entitytyping.IsHeadFile(checkpoint) {
		return entitytyping.LoadHead(checkpoint)
	}
	return entitytyping.LoadHeadFromRepo(newRepo(checkpoint))
}

// predictionsPath returns path, or with several epochs path with the epoch before its extension.
func predictionsPath(path string, epoch, numEpochs int) string {
	if numEpochs <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.epoch%d%s", strings.TrimSuffix(path, ext), epoch, ext)
}
