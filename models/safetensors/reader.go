package safetensors

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// shardReader reads the tensors of one memory-mapped .safetensors file.
type shardReader struct {
	fileName   string
	mapped     *mmap.ReaderAt
	dataOffset int64
	header     *Header
}

// openShard downloads (if needed) and maps one file of the checkpoint.
func (m *Model) openShard(fileName string) (*shardReader, error) {
	localPath, err := m.Repo.DownloadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download %s", fileName)
	}
	header, dataOffset, err := parseHeader(localPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %s", localPath)
	}
	mapped, err := mmap.Open(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", localPath)
	}
	return &shardReader{fileName: fileName, mapped: mapped, dataOffset: dataOffset, header: header}, nil
}

func (s *shardReader) Close() error {
	return s.mapped.Close()
}

// read copies the named tensor out of the mapped file.
func (s *shardReader) read(tensorName string) (*tensors.Tensor, error) {
	meta, found := s.header.Tensors[tensorName]
	if !found {
		return nil, errors.Errorf("tensor %s not found in %s", tensorName, s.fileName)
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %s", tensorName)
	}
	shape := shapes.Make(dtype, meta.Shape...)
	start, end := s.dataOffset+meta.DataOffsets[0], s.dataOffset+meta.DataOffsets[1]
	if size := end - start; size != int64(shape.Memory()) {
		return nil, errors.Errorf("tensor %s shaped %s needs %d bytes, %s holds %d",
			tensorName, shape, shape.Memory(), s.fileName, size)
	}
	if end > int64(s.mapped.Len()) {
		return nil, errors.Errorf("tensor %s ends at byte %d, past the end of %s (%d bytes)",
			tensorName, end, s.fileName, s.mapped.Len())
	}
	t := tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		_, err = s.mapped.ReadAt(data, start)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s from %s", tensorName, s.fileName)
	}
	return t, nil
}
