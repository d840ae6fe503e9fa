package main

import (
	"fmt"
	"strconv"

	"github.com/gomlx/entitytyping/models/entitytyping"
	"github.com/gomlx/entitytyping/tokenizers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List the canonical tags and their label ids",
	Long: `List the canonical tags of the data directory, in label order, with the raw tags
mapped to each.

With --model, also show the token ids of the tag pieces ("/"-separated parts of
the canonical tag) in the model's vocabulary.

Examples:
  entitytyping tags --data-dir data/figer
  entitytyping tags --data-dir data/figer --model roberta-base`,
	Args: cobra.NoArgs,
	RunE: runTags,
}

func init() {
	rootCmd.AddCommand(tagsCmd)

	tagsCmd.Flags().String("model", "", "Model whose tokenizer converts the tag pieces to ids")
	mustBindPFlag("tags.model", tagsCmd.Flags().Lookup("model"))
}

func runTags(cmd *cobra.Command, args []string) error {
	tags, err := loadTags(viper.GetString("data_dir"))
	if err != nil {
		return err
	}
	rawTags := make(map[string]int, len(tags.labels))
	for _, canonical := range tags.mapping {
		rawTags[canonical]++
	}

	var inputIDs map[string][]int
	headers := []string{"Label", "Tag", "Raw tags"}
	if modelID := viper.GetString("tags.model"); modelID != "" {
		tok, err := tokenizers.New(newRepo(modelID))
		if err != nil {
			return err
		}
		if inputIDs, err = entitytyping.TagInputIDs(tok, tags.mappedTags); err != nil {
			return err
		}
		headers = append(headers, "Input ids")
	}

	rows := make([][]string, 0, len(tags.labels))
	for label, tag := range tags.labels {
		row := []string{strconv.Itoa(label), tag, strconv.Itoa(rawTags[tag])}
		if inputIDs != nil {
			row = append(row, fmt.Sprint(inputIDs[tag]))
		}
		rows = append(rows, row)
	}
	printTable(cmd.OutOrStdout(), fmt.Sprintf("%d tags", len(tags.labels)), headers, rows)
	return nil
}
