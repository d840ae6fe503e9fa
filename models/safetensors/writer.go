package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/entitytyping/internal/files"
	"github.com/pkg/errors"
)

// headerAlignment of the data section, as written by the reference implementation.
const headerAlignment = 8

// WriteFile saves the given tensors in safetensors format to filePath.
//
// Tensors are stored in name order. Metadata values are stored as strings, as required by the format.
// The file is written to a temporary file and renamed into place, so readers never see a partial file.
func WriteFile(filePath string, tensorsAndNames []TensorAndName, metadata map[string]string) error {
	sorted := slices.Clone(tensorsAndNames)
	slices.SortFunc(sorted, func(a, b TensorAndName) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for i, tn := range sorted {
		if tn.Tensor == nil {
			return errors.Errorf("tensor %q is nil", tn.Name)
		}
		if i > 0 && sorted[i-1].Name == tn.Name {
			return errors.Errorf("tensor %q given more than once", tn.Name)
		}
		dtypeName, err := dtypeFromGoMLX(tn.Tensor.DType())
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", tn.Name)
		}
		size := int64(tn.Tensor.Shape().Size()) * int64(tn.Tensor.DType().Size())
		dims := tn.Tensor.Shape().Dimensions
		if dims == nil {
			dims = []int{}
		}
		header[tn.Name] = TensorMetadata{
			Dtype:       dtypeName,
			Shape:       dims,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// Pad with spaces so the data section starts aligned.
	if rem := (8 + len(headerJSON)) % headerAlignment; rem != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, headerAlignment-rem)...)
	}

	return files.ReplaceFile(filePath, 0o644, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
			return errors.Wrap(err, "failed to write header size")
		}
		if _, err := w.Write(headerJSON); err != nil {
			return errors.Wrap(err, "failed to write header")
		}
		for _, tn := range sorted {
			var writeErr error
			tn.Tensor.ConstBytes(func(data []byte) {
				_, writeErr = w.Write(data)
			})
			if writeErr != nil {
				return errors.Wrapf(writeErr, "failed to write tensor %q", tn.Name)
			}
		}
		return nil
	})
}
