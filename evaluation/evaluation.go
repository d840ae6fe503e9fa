// Package evaluation scores datasets with an entity typing model, and reports accuracy and
// per-sample predictions.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer returns class scores shaped [batchSize, numClasses] for a batch, see entitytyping.Model.
type Scorer interface {
	Forward(ctx context.Context, batch *dataset.Batch, useSep bool) (*tensors.Tensor, error)
}

// Options for Run.
type Options struct {
	// Labels maps label ids to canonical tags, see tagmap.Labels.
	Labels []string

	// UseSep is passed to the Scorer.
	UseSep bool

	// Split names the data in the exported metrics.
	Split string
}

// TagMetrics are the counts for one canonical tag.
type TagMetrics struct {
	Count    int     `json:"count"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Metrics of an evaluation.
type Metrics struct {
	Count    int                   `json:"count"`
	Correct  int                   `json:"correct"`
	Accuracy float64               `json:"accuracy"`
	PerTag   map[string]TagMetrics `json:"per_tag"`
}

// String implements fmt.Stringer.
func (m *Metrics) String() string {
	return fmt.Sprintf("accuracy %.4f (%d/%d)", m.Accuracy, m.Correct, m.Count)
}

// Prediction for one sample.
type Prediction struct {
	Index     int64   `parquet:"index"`
	Sentence  string  `parquet:"sentence"`
	Entity    string  `parquet:"entity"`
	Tag       string  `parquet:"tag"`
	Predicted string  `parquet:"predicted"`
	Score     float32 `parquet:"score"`
	Correct   bool    `parquet:"correct"`
}

// Run scores every batch of the loader, and compares the top scoring class of each sample with its label.
// Predictions are returned in the order the loader yields the samples.
func Run(ctx context.Context, scorer Scorer, loader *dataset.Loader, opts Options) (*Metrics, []Prediction, error) {
	metrics := &Metrics{PerTag: make(map[string]TagMetrics)}
	var predictions []Prediction
	batchIdx := 0
	for batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		start := time.Now()
		output, err := scorer.Forward(ctx, batch, opts.UseSep)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "scoring batch #%d", batchIdx)
		}
		batchDuration.WithLabelValues(opts.Split).Observe(time.Since(start).Seconds())
		scores, err := scoreRows(output, batch.Size(), len(opts.Labels))
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "batch #%d", batchIdx)
		}

		var correct int
		for i, row := range scores {
			if label := batch.Labels[i]; label < 0 || label >= len(opts.Labels) {
				return nil, nil, errors.Errorf("batch #%d: label %d has no tag", batchIdx, label)
			}
			best := argMax(row)
			p := Prediction{
				Index:     int64(len(predictions)),
				Sentence:  strings.Join(batch.Words[i], " "),
				Entity:    strings.Join(batch.Words[i][batch.EntityPos[i].Start:batch.EntityPos[i].End], " "),
				Tag:       opts.Labels[batch.Labels[i]],
				Predicted: opts.Labels[best],
				Score:     row[best],
				Correct:   best == batch.Labels[i],
			}
			tagMetrics := metrics.PerTag[p.Tag]
			tagMetrics.Count++
			if p.Correct {
				correct++
				tagMetrics.Correct++
			}
			metrics.PerTag[p.Tag] = tagMetrics
			predictions = append(predictions, p)
		}
		metrics.Count += batch.Size()
		metrics.Correct += correct
		samplesScored.WithLabelValues(opts.Split).Add(float64(batch.Size()))
		samplesCorrect.WithLabelValues(opts.Split).Add(float64(correct))
		klog.V(2).Infof("Batch #%d: %d/%d correct", batchIdx, correct, batch.Size())
		batchIdx++
	}

	metrics.Accuracy = ratio(metrics.Correct, metrics.Count)
	for tag, tagMetrics := range metrics.PerTag {
		tagMetrics.Accuracy = ratio(tagMetrics.Correct, tagMetrics.Count)
		metrics.PerTag[tag] = tagMetrics
	}
	lastAccuracy.WithLabelValues(opts.Split).Set(metrics.Accuracy)
	return metrics, predictions, nil
}

// scoreRows checks the shape of the scores and returns them as float32 rows.
func scoreRows(output *tensors.Tensor, batchSize, numClasses int) ([][]float32, error) {
	dims := output.Shape().Dimensions
	if len(dims) != 2 || dims[0] != batchSize || dims[1] != numClasses {
		return nil, errors.Errorf("scores shaped %v, expected [%d, %d]", dims, batchSize, numClasses)
	}
	if output.DType() != dtypes.Float32 {
		return nil, errors.Errorf("scores must be Float32, got %s", output.DType())
	}
	flat := tensors.MustCopyFlatData[float32](output)
	rows := make([][]float32, batchSize)
	for i := range rows {
		rows[i] = flat[i*numClasses : (i+1)*numClasses]
	}
	return rows, nil
}

// argMax returns the index of the largest value. Ties go to the first, and NaNs lose to any number.
func argMax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] || math.IsNaN(float64(values[best])) {
			best = i
		}
	}
	return best
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// WritePredictions saves the predictions as a Parquet file.
func WritePredictions(filePath string, predictions []Prediction) error {
	if err := parquet.WriteFile(filePath, predictions); err != nil {
		return errors.Wrapf(err, "failed to write predictions to %q", filePath)
	}
	return nil
}

// ReadPredictions reads a file written by WritePredictions.
func ReadPredictions(filePath string) ([]Prediction, error) {
	predictions, err := parquet.ReadFile[Prediction](filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read predictions from %q", filePath)
	}
	return predictions, nil
}
