package main

import (
	"flag"
	"os"
	"strings"

	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/tagmap"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// EnvPrefix of the environment variables overriding flags.
const EnvPrefix = "ENTITYTYPING"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "entitytyping",
	Short: "Entity typing datasets and model evaluation",
	Long: `Inspect entity typing datasets and evaluate entity typing models.

A data directory holds tags.txt, tag_mapping.txt and one {split}.txt file per split.
Models are HuggingFace Hub identifiers or local directories with config.json,
tokenizer.json and an ONNX export of the backbone.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
}

// Execute runs the command selected by the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "data", "Directory with tags.txt, tag_mapping.txt and the split files")
	mustBindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	rootCmd.PersistentFlags().Int("max-length", 128, "Maximum sentence length in words")
	mustBindPFlag("max_length", rootCmd.PersistentFlags().Lookup("max-length"))
	rootCmd.PersistentFlags().String("hf-token", "", "HuggingFace Hub token, for private or gated models (default $HF_TOKEN)")
	mustBindPFlag("hf_token", rootCmd.PersistentFlags().Lookup("hf-token"))
	rootCmd.PersistentFlags().String("cache-dir", hub.DefaultCacheDir(), "Cache directory for models downloaded from the Hub")
	mustBindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
}

func initConfig() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read configuration %q", cfgFile)
	}
	klog.V(1).Infof("Using configuration %s", viper.ConfigFileUsed())
	return nil
}

func mustBindPFlag(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// optionalFloat returns the value of key if it was set by a flag, the environment or the configuration file.
func optionalFloat(key string) *float64 {
	if !viper.IsSet(key) {
		return nil
	}
	value := viper.GetFloat64(key)
	return &value
}

// newRunID identifies a run in its result log.
func newRunID() string {
	return uuid.NewString()
}

// newRepo returns the model repository configured with the Hub token and cache directory.
func newRepo(modelID string) *hub.Repo {
	repo := hub.New(modelID).WithCacheDir(viper.GetString("cache_dir"))
	token := viper.GetString("hf_token")
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return repo
}

// dataTags holds the tag files of the data directory.
type dataTags struct {
	mapping    tagmap.Mapping
	mappedTags []string
	labelIDs   map[string]int
	labels     []string
}

func loadTags(dataDir string) (*dataTags, error) {
	mapping, err := tagmap.LoadMapping(dataDir)
	if err != nil {
		return nil, err
	}
	mappedTags, err := tagmap.MappedTagList(dataDir, mapping)
	if err != nil {
		return nil, err
	}
	if len(mappedTags) == 0 {
		return nil, errors.Errorf("no tags in %s", dataDir)
	}
	labelIDs := tagmap.LabelIDs(mappedTags)
	return &dataTags{
		mapping:    mapping,
		mappedTags: mappedTags,
		labelIDs:   labelIDs,
		labels:     tagmap.Labels(labelIDs),
	}, nil
}
