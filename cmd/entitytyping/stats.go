package main

import (
	"fmt"
	"strconv"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of samples of a data split",
	Long: `Load a data split and show the number of samples kept per tag, and how many
were dropped for not fitting --max-length.

Examples:
  entitytyping stats --data-dir data/figer --split dev
  entitytyping stats --data-dir data/figer --split train --sample-rate 0.1`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().String("split", "train", "Data split to load")
	mustBindPFlag("stats.split", statsCmd.Flags().Lookup("split"))
	statsCmd.Flags().Float64("sample-rate", 1, "Fraction of the samples of each tag to keep, in (0, 1]")
	mustBindPFlag("stats.sample_rate", statsCmd.Flags().Lookup("sample-rate"))
	statsCmd.Flags().Uint64("seed", 0, "Seed for down-sampling")
	mustBindPFlag("stats.seed", statsCmd.Flags().Lookup("seed"))
}

func runStats(cmd *cobra.Command, args []string) error {
	dataDir := viper.GetString("data_dir")
	tags, err := loadTags(dataDir)
	if err != nil {
		return err
	}
	split := viper.GetString("stats.split")
	ds, err := dataset.New(dataset.Options{
		DataDir:    dataDir,
		Split:      split,
		MaxLength:  viper.GetInt("max_length"),
		LabelIDs:   tags.labelIDs,
		TagMapping: tags.mapping,
		SampleRate: optionalFloat("stats.sample_rate"),
		Rand:       dataset.NewRand(viper.GetUint64("stats.seed")),
	})
	if err != nil {
		return err
	}

	counts := ds.TagCounts()
	rows := make([][]string, 0, len(tags.labels))
	for label, tag := range tags.labels {
		if counts[tag] == 0 {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(label), tag, strconv.Itoa(counts[tag]),
			percent(float64(counts[tag]) / float64(ds.Len())),
		})
	}
	title := fmt.Sprintf("%s: %d samples, %d dropped", split, ds.Len(), ds.Dropped())
	printTable(cmd.OutOrStdout(), title, []string{"Label", "Tag", "Samples", "Share"}, rows)
	return nil
}
