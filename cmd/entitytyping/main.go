// entitytyping inspects entity typing datasets and evaluates entity typing models on them.
//
// Usage:
//
//	entitytyping tags --data-dir data [--model roberta-base]
//	entitytyping stats --data-dir data --split dev
//	entitytyping eval --data-dir data --split test --model ./bert-onnx --head epoch0.safetensors --head epoch1.safetensors
//
// Every flag can also be set in a YAML file given with --config, or with an ENTITYTYPING_* environment variable
// (e.g. ENTITYTYPING_EVAL_BATCH_SIZE=64).
package main

import (
	"github.com/gomlx/entitytyping/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := Execute(); err != nil {
		if errors.Is(err, dataset.ErrSplitNotFound) {
			klog.Exitf("Missing data split: %v", err)
		}
		klog.Exitf("%+v", err)
	}
}
