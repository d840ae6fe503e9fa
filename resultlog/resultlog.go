// Package resultlog keeps the JSON log of a run: its configuration, and the metrics of each epoch.
//
// The file is a single JSON object, with the configuration fields at the top level and a "result"
// object keyed by epoch:
//
//	{"model": "roberta-base", "seed": 42, "result": {"0": {"val_acc": 0.91}, "1": {"val_acc": 0.93}}}
//
// Every write replaces the file atomically, under an advisory lock on "<path>.lock", so concurrent
// writers (in this or other processes) don't lose updates and readers never see a partial file.
package resultlog

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/gomlx/entitytyping/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ResultKey is the top-level key holding the per-epoch results.
const ResultKey = "result"

// FilePerm of the log file.
const FilePerm = 0o644

// Log is a handle to a result log file. It's safe for concurrent use.
type Log struct {
	path string
	mu   sync.Mutex
}

// Init creates (or overwrites) the log at path with the given configuration, and an empty result.
//
// config must marshal to a JSON object: typically a struct with the run flags. A "result" field in it
// is replaced.
func Init(path string, config any) (*Log, error) {
	content, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize run configuration")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, errors.Wrapf(err, "run configuration must be a JSON object, got %.40s", content)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	doc[ResultKey] = json.RawMessage("{}")

	l := &Log{path: path}
	err = l.locked(func() error { return l.write(doc) })
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created result log %s", path)
	return l, nil
}

// Open attaches to an existing log.
func Open(path string) (*Log, error) {
	if !files.Exists(path) {
		return nil, errors.Wrapf(os.ErrNotExist, "result log %q", path)
	}
	return &Log{path: path}, nil
}

// Path of the log file.
func (l *Log) Path() string {
	return l.path
}

// Update sets the result of the given epoch, replacing any previous one, and rewrites the file.
func (l *Log) Update(epoch int, data any) error {
	value, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize result of epoch %d", epoch)
	}
	return l.locked(func() error {
		doc, results, err := l.read()
		if err != nil {
			return err
		}
		results[strconv.Itoa(epoch)] = value
		if doc[ResultKey], err = json.Marshal(results); err != nil {
			return errors.Wrap(err, "failed to serialize results")
		}
		return l.write(doc)
	})
}

// Results returns the result of each epoch logged so far, still JSON encoded.
func (l *Log) Results() (map[int]json.RawMessage, error) {
	var results map[string]json.RawMessage
	err := l.locked(func() (err error) {
		_, results, err = l.read()
		return
	})
	if err != nil {
		return nil, err
	}
	byEpoch := make(map[int]json.RawMessage, len(results))
	for key, value := range results {
		epoch, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Errorf("result log %q has non-integer epoch %q", l.path, key)
		}
		byEpoch[epoch] = value
	}
	return byEpoch, nil
}

// Delete removes the log file. It's an error if it doesn't exist.
func (l *Log) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil {
		return errors.Wrapf(err, "failed to delete result log")
	}
	if err := os.Remove(l.lockPath()); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to remove lock file %q: %v", l.lockPath(), err)
	}
	return nil
}

func (l *Log) lockPath() string {
	return l.path + ".lock"
}

// locked runs fn holding both the in-process mutex and the file lock.
func (l *Log) locked(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var fnErr error
	err := files.ExecOnFileLock(l.lockPath(), func() { fnErr = fn() })
	if err != nil {
		return err
	}
	return fnErr
}

// read parses the whole document, and its result object.
func (l *Log) read() (doc, results map[string]json.RawMessage, err error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read result log")
	}
	if err = json.Unmarshal(content, &doc); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse result log %q", l.path)
	}
	if raw, found := doc[ResultKey]; found && string(raw) != "null" {
		if err = json.Unmarshal(raw, &results); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse %q in result log %q", ResultKey, l.path)
		}
	}
	if results == nil {
		results = make(map[string]json.RawMessage)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	return doc, results, nil
}

func (l *Log) write(doc map[string]json.RawMessage) error {
	return files.ReplaceFile(l.path, FilePerm, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(doc)
	})
}
