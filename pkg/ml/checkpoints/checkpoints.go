// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management for a graph.Store: saving and loading of
// the master values of the variables, of the optimizer state and of the global step, keeping only
// the most recent checkpoints, and selecting which checkpoints to evaluate.
//
// Checkpoints are written and read by the GoMLX checkpoints package
// (github.com/gomlx/gomlx/pkg/ml/context/checkpoints) over the context of the Store. The variable
// "a/b" of the Store is the context variable "b" in scope "/a".
//
// The main object is the Handler, created by calling Build, followed by the various options setting
// and finally Config.Done. Once created, if a previously saved checkpoint exists, its values are
// loaded into the Store. As the model trains, Handler.Save saves a new checkpoint, usually from a
// SaverHook attached to the training loop.
//
// Example:
//
//	store := graph.NewStore()
//	checkpoint, err := checkpoints.Build(store).Dir(modelDir).Keep(5).Done()
//	if err != nil { ... }
//	...
//	hook := checkpoints.NewSaverHook(checkpoint, 100)
//
// Each checkpoint is a pair of files: a JSON file with the metadata and a binary file with the
// values. Checkpoints are referred to by their path without these suffixes.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gocheckpoints "github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoCheckpoints is returned when a checkpoint is required but the directory has none.
var ErrNoCheckpoints = errors.New("no checkpoints found")

// BinFormat defines the type for representing binary file compression formats.
type BinFormat = gocheckpoints.BinFormat

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP = gocheckpoints.BinGZIP
	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed = gocheckpoints.BinUncompressed
)

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files of a checkpoint.
	JsonNameSuffix = gocheckpoints.JsonNameSuffix

	// BinDataSuffix for the data files (holding the tensor values) of a checkpoint.
	BinDataSuffix = gocheckpoints.BinDataSuffix
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	store *graph.Store

	err error

	dir        string
	checkpoint string

	keep     int
	mustLoad bool

	binFormat BinFormat
}

// Build a configuration for building a checkpoints.Handler for store. After configuring the
// Config object returned, call Done to get the configured checkpoints.Handler.
func Build(store *graph.Store) *Config {
	return &Config{store: store, keep: 1}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
func Load(store *graph.Store) *Config {
	c := Build(store)
	c.mustLoad = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist
// (except for Load).
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}
	if err = os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// Checkpoint selects the checkpoint to load, given by its path without suffixes (as returned by
// Handler.ListCheckpoints or a Selector). The default is the latest checkpoint of Dir.
// It is used to evaluate a specific checkpoint.
func (c *Config) Checkpoint(path string) *Config {
	c.checkpoint = path
	if c.dir == "" {
		c.dir = filepath.Dir(path)
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression sets the binary format. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	return c
}

// Done creates a Handler with the current configuration and loads the selected (or latest)
// checkpoint into the store, if there is one.
//
// A Handler loaded from a selected checkpoint (see Config.Checkpoint) can't save.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured")
	}
	h := &Handler{config: c, store: c.store}
	if c.checkpoint != "" {
		if err := Restore(c.store, c.checkpoint); err != nil {
			return nil, err
		}
		return h, nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Wrapf(ErrNoCheckpoints, "in %q", c.dir)
	}
	// Values are loaded immediately, so they show up in the Store before the variables are created.
	h.handler, err = gocheckpoints.Build(c.store.Context()).
		Dir(c.dir).
		Keep(c.keep).
		WithCompression(c.binFormat).
		Immediate().
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", h)
	}
	if len(list) > 0 {
		latest := list[len(list)-1]
		klog.V(1).Infof("loaded checkpoint %q", latest)
		c.store.SetRestoredFrom(latest)
	}
	return h, nil
}

// Handler handles saving and loading of checkpoints for a graph.Store.
type Handler struct {
	config  *Config
	store   *graph.Store
	handler *gocheckpoints.Handler
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory of the checkpoints, or "" if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// ListCheckpoints returns the paths (without suffixes) of the checkpoints in the directory, in the
// order they were saved (older first).
func (h *Handler) ListCheckpoints() ([]string, error) {
	return ListCheckpoints(h.config.dir)
}

// ListCheckpoints returns the paths (without suffixes) of the checkpoints in dir, in the order
// they were saved (older first).
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	var baseNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		baseNames = append(baseNames, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(baseNames)
	paths := make([]string, len(baseNames))
	for i, baseName := range baseNames {
		paths[i] = filepath.Join(dir, baseName)
	}
	return paths, nil
}

var checkpointStepRegex = regexp.MustCompile(`-step-(\d+)$`)

// StepFromPath returns the global step of a checkpoint from its name: 0 for the initial checkpoint.
func StepFromPath(path string) (int64, error) {
	baseName := filepath.Base(path)
	if strings.HasSuffix(baseName, "-initial") {
		return 0, nil
	}
	matches := checkpointStepRegex.FindStringSubmatch(baseName)
	if len(matches) != 2 {
		return 0, errors.Errorf("checkpoint %q has no step in its name", path)
	}
	step, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing step of checkpoint %q", path)
	}
	return step, nil
}

// Save creates a new checkpoint with the values held by the store (see graph.Store.Names) and its
// global step, and removes the excess checkpoints. It returns the path of the new checkpoint.
func (h *Handler) Save() (string, error) {
	if h.handler == nil {
		return "", errors.Errorf("%s was loaded from checkpoint %q and can't save", h, h.config.checkpoint)
	}
	if err := h.handler.Save(); err != nil {
		return "", errors.WithMessagef(err, "%s", h)
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.Errorf("%s: checkpoint saved at step %d is missing", h, h.store.GlobalStep())
	}
	path := list[len(list)-1]
	klog.V(1).Infof("saved checkpoint %q", path)
	return path, nil
}

// loadedValues reads the checkpoint at path, by the name of the variables in the context.
func loadedValues(path string) (map[string]*tensors.Tensor, int64, error) {
	jsonData, err := os.ReadFile(path + JsonNameSuffix)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read checkpoint metadata file %s", path+JsonNameSuffix)
	}
	binData, err := os.ReadFile(path + BinDataSuffix)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to read checkpoint data file %s", path+BinDataSuffix)
	}
	// The values are kept by the handler until a context variable uses them, so the context is
	// only a placeholder.
	h, err := gocheckpoints.Build(context.New()).FromEmbed(string(jsonData), binData).Done()
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "checkpoint %q", path)
	}
	values := make(map[string]*tensors.Tensor, len(h.LoadedVariables()))
	var globalStep int64
	for paramName, value := range h.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if scope == context.RootScope && name == optimizers.GlobalStepVariableName {
			step, ok := value.Value().(int64)
			if !ok {
				return nil, 0, errors.Errorf("checkpoint %q: global step is a %s", path, value.Shape())
			}
			globalStep = step
			continue
		}
		t, err := tensors.FromGoMLX(value)
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "checkpoint %q: variable %q", path, paramName)
		}
		values[graph.NameFromScope(scope, name)] = t
	}
	return values, globalStep, nil
}

// VariableNames returns the sorted names of the variables saved in the checkpoint at path. The
// global step is not included.
func VariableNames(path string) ([]string, error) {
	values, _, err := loadedValues(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadVariables reads the values of the checkpoint at path, restricted to names if it is not nil.
// It also returns the checkpoint's global step.
func ReadVariables(path string, names sets.Set[string]) (map[string]*tensors.Tensor, int64, error) {
	values, globalStep, err := loadedValues(path)
	if err != nil {
		return nil, 0, err
	}
	if names != nil {
		for name := range values {
			if !names.Has(name) {
				delete(values, name)
			}
		}
	}
	return values, globalStep, nil
}

// Restore loads every variable of the checkpoint at path, and its global step, into store.
func Restore(store *graph.Store, path string) error {
	klog.V(1).Infof("loading checkpoint %q", path)
	values, globalStep, err := ReadVariables(path, nil)
	if err != nil {
		return err
	}
	for name, value := range values {
		if err := store.SetValue(name, value); err != nil {
			return errors.WithMessagef(err, "restoring checkpoint %q", path)
		}
	}
	if err := store.SetGlobalStep(globalStep); err != nil {
		return errors.WithMessagef(err, "restoring checkpoint %q", path)
	}
	store.SetRestoredFrom(path)
	return nil
}
