// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of an attribute transfer model, read from YAML files.
//
// A configuration is loaded with Load (or Parse), adjusted with ApplySettings (typically from a
// command-line flag) and checked with Validate. The configuration a model was trained with is
// snapshotted into its model directory by a SaverHook, and reloaded with LoadOperative.
package config

import (
	"bytes"
	"os"
	"regexp"
	"time"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/optimizers"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of an attribute transfer model: the model, its data and how it is trained, evaluated
// and used for inference.
type Config struct {
	ModelDir   string           `yaml:"model_dir"`
	Model      ModelConfig      `yaml:"model"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Tasks      []TaskConfig     `yaml:"tasks"`
	Mesh       MeshConfig       `yaml:"mesh"`

	BatchSize      int `yaml:"batch_size"`
	OuterBatchSize int `yaml:"outer_batch_size,omitempty"`
	Ensemble       int `yaml:"ensemble,omitempty"`

	// SequenceLength of each feature key, e.g. {inputs: 64, targets: 64}.
	SequenceLength features.SequenceLengths `yaml:"sequence_length"`

	Train  TrainConfig  `yaml:"train"`
	Eval   EvalConfig   `yaml:"eval"`
	Decode DecodeConfig `yaml:"decode"`
}

// ModelConfig selects the model and its conditioning.
type ModelConfig struct {
	// Type is a model kind ("conditioned_bitransformer", "bitransformer", "unitransformer",
	// "student_teacher") or "lm", a decoder-only model trained on its inputs merged into its targets.
	Type          string `yaml:"type"`
	NumAttributes int    `yaml:"num_attributes"`

	// InitialCopyGate of the reference copy model.
	InitialCopyGate float64 `yaml:"initial_copy_gate,omitempty"`

	AttributeEmbedding     bool `yaml:"attribute_embedding"`
	ControlCodes           bool `yaml:"control_codes"`
	HasPartialSequences    bool `yaml:"has_partial_sequences,omitempty"`
	RemovePartialSequences bool `yaml:"remove_partial_sequences,omitempty"`

	CycleConsistency CycleConsistencyConfig `yaml:"cycle_consistency"`
	VariableDType    VariableDTypeConfig    `yaml:"variable_dtype"`
}

// CycleConsistencyConfig weights the reconstruction and cycle losses.
type CycleConsistencyConfig struct {
	Enabled     bool    `yaml:"enabled"`
	LambdaAE    float64 `yaml:"lambda_ae"`
	LambdaCycle float64 `yaml:"lambda_cycle"`
}

// VariableDTypeConfig names the dtypes of the variables: "float32", "float16", "bfloat16"...
type VariableDTypeConfig struct {
	Master     string `yaml:"master"`
	Slice      string `yaml:"slice"`
	Activation string `yaml:"activation"`
}

// VocabularyConfig selects the vocabulary: "byte" or "word" (with a Path, one token per line).
type VocabularyConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
}

// TaskConfig is a text transfer task read from TSV files, see tasks.TSVSource.
type TaskConfig struct {
	Name string `yaml:"name"`

	// Files of each split, e.g. {train: train.tsv, validation: dev.tsv}.
	Files map[string]string `yaml:"files"`

	// ControlCodes indexed by attribute, entry 0 being used for examples without attribute.
	ControlCodes []string `yaml:"control_codes,omitempty"`

	// Metrics computed on the decodes: "sequence_accuracy", "bleu", "attribute_transfer".
	Metrics []string `yaml:"metrics,omitempty"`

	// Lexicon maps words to the zero-based attribute they signal, for the "attribute_transfer"
	// metric.
	Lexicon map[string]int `yaml:"lexicon,omitempty"`
}

// MeshConfig describes the logical device mesh, as parsed by distributed.ParseDeviceMesh and
// distributed.ParseLayoutRules.
type MeshConfig struct {
	Shape   string   `yaml:"shape"`
	Layout  string   `yaml:"layout"`
	Devices []string `yaml:"devices,omitempty"`
}

// TrainConfig configures training.
type TrainConfig struct {
	Task  string `yaml:"task"`
	Split string `yaml:"split"`

	// Steps is the global step training stops at.
	Steps                int64 `yaml:"steps"`
	SaveCheckpointsSteps int64 `yaml:"save_checkpoints_steps"`

	// KeepCheckpointMax checkpoints while training, all of them if 0.
	KeepCheckpointMax int `yaml:"keep_checkpoint_max"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Schedule     string  `yaml:"schedule"`
	WarmupSteps  int64   `yaml:"warmup_steps,omitempty"`

	// VariableFilter is a regular expression: only matching variables are trained.
	VariableFilter string `yaml:"variable_filter,omitempty"`
	InitCheckpoint string `yaml:"init_checkpoint,omitempty"`

	TokensPerMicrobatchPerReplica int `yaml:"tokens_per_microbatch_per_replica,omitempty"`
	NumMicrobatches               int `yaml:"num_microbatches,omitempty"`
	ReadAhead                     int `yaml:"read_ahead,omitempty"`
}

// EvalConfig configures the evaluation over checkpoints.
type EvalConfig struct {
	Tasks      []string `yaml:"tasks"`
	Split      string   `yaml:"split"`
	SummaryDir string   `yaml:"summary_dir,omitempty"`

	// Steps selects the checkpoints closest to the given steps. If empty, Continuous waits for
	// new checkpoints, or else the latest one is used.
	Steps        []int64       `yaml:"steps,omitempty"`
	Continuous   bool          `yaml:"continuous,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`

	UnsupervisedMetrics bool `yaml:"unsupervised_metrics"`
	TeacherForced       bool `yaml:"teacher_forced,omitempty"`
}

// DecodeConfig configures inference from a file.
type DecodeConfig struct {
	InputFile   string  `yaml:"input_file,omitempty"`
	OutputFile  string  `yaml:"output_file,omitempty"`
	Repeats     int     `yaml:"repeats"`
	Temperature float64 `yaml:"temperature"`
	BeamSize    int     `yaml:"beam_size"`

	// CheckpointSteps selects the checkpoints to decode with, the latest one if empty.
	CheckpointSteps []int64 `yaml:"checkpoint_steps,omitempty"`
}

// Default returns the default configuration: a conditioned copy model over bytes, trained with Adam.
func Default() *Config {
	return &Config{
		ModelDir: "~/work/caet",
		Model: ModelConfig{
			Type:               model.KindConditionedBitransformer.String(),
			NumAttributes:      2,
			AttributeEmbedding: true,
			CycleConsistency:   CycleConsistencyConfig{LambdaAE: 1, LambdaCycle: 1},
			VariableDType:      VariableDTypeConfig{Master: "float32", Slice: "float32", Activation: "float32"},
		},
		Vocabulary: VocabularyConfig{Type: "byte"},
		Mesh:       MeshConfig{Shape: "batch:1", Layout: "batch:batch"},
		BatchSize:  8,
		SequenceLength: features.SequenceLengths{
			features.Inputs:    64,
			features.Targets:   64,
			features.Attribute: 1,
		},
		Train: TrainConfig{
			Split:                "train",
			Steps:                10_000,
			SaveCheckpointsSteps: 1_000,
			KeepCheckpointMax:    5,
			Optimizer:            "adam",
			LearningRate:         0.001,
			Schedule:             "constant",
		},
		Eval: EvalConfig{
			Split:        "validation",
			PollInterval: time.Minute,
		},
		Decode: DecodeConfig{Repeats: 1, BeamSize: 1},
	}
}

// Load the configuration from a YAML file. Fields not set in the file keep their Default value.
func Load(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration")
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return c, nil
}

// Parse a YAML configuration over the Default values. Unknown fields are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := c.decode(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "parsing YAML configuration")
	}
	return nil
}

// Marshal the configuration to YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "marshaling configuration")
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return errors.New("model_dir is required")
	}
	if _, _, err := c.ModelKind(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if err := c.SequenceLength.Validate(); err != nil {
		return err
	}
	if c.Model.AttributeEmbedding {
		if _, found := c.SequenceLength[features.Attribute]; !found {
			return errors.Errorf("model.attribute_embedding requires sequence_length.%s", features.Attribute)
		}
	}
	if c.Model.ControlCodes {
		for _, key := range []string{features.ControlCode, features.CodePrefixedTargets} {
			if _, found := c.SequenceLength[key]; !found {
				return errors.Errorf("model.control_codes requires sequence_length.%s", key)
			}
		}
	}
	if _, _, err := c.MeshAndRules(); err != nil {
		return err
	}
	if _, err := c.VariableDType(); err != nil {
		return err
	}
	if _, err := c.Optimizer(); err != nil {
		return err
	}
	if c.Train.VariableFilter != "" {
		if _, err := regexp.Compile(c.Train.VariableFilter); err != nil {
			return errors.Wrapf(err, "invalid train.variable_filter %q", c.Train.VariableFilter)
		}
	}
	switch c.Vocabulary.Type {
	case "byte":
	case "word":
		if c.Vocabulary.Path == "" {
			return errors.New("vocabulary.path is required for a word vocabulary")
		}
	default:
		return errors.Errorf("unknown vocabulary.type %q, valid values are \"byte\" and \"word\"", c.Vocabulary.Type)
	}
	names := make(map[string]bool, len(c.Tasks))
	for i, task := range c.Tasks {
		if task.Name == "" {
			return errors.Errorf("tasks[%d] has no name", i)
		}
		if names[task.Name] {
			return errors.Errorf("task %q defined more than once", task.Name)
		}
		names[task.Name] = true
		if c.Model.ControlCodes && len(task.ControlCodes) == 0 {
			return errors.Errorf("model.control_codes requires control_codes in task %q", task.Name)
		}
		for _, metric := range task.Metrics {
			if !knownMetrics[metric] {
				return errors.Errorf("task %q has unknown metric %q", task.Name, metric)
			}
		}
	}
	if c.Train.Task != "" && !names[c.Train.Task] {
		return errors.Errorf("train.task %q is not one of the tasks", c.Train.Task)
	}
	for _, name := range c.Eval.Tasks {
		if !names[name] {
			return errors.Errorf("eval.tasks has unknown task %q", name)
		}
	}
	if c.Eval.Continuous && c.Eval.PollInterval <= 0 {
		return errors.New("eval.continuous requires a positive eval.poll_interval")
	}
	return nil
}

var knownMetrics = map[string]bool{"sequence_accuracy": true, "bleu": true, "attribute_transfer": true}

// ModelKind returns the kind of model of Model.Type, and the model type passed to the model
// function ("lm" for language models).
func (c *Config) ModelKind() (model.Kind, string, error) {
	if c.Model.Type == "lm" {
		return model.KindUnitransformer, c.Model.Type, nil
	}
	kind, err := model.ParseKind(c.Model.Type)
	if err != nil {
		return 0, "", errors.WithMessage(err, "model.type")
	}
	return kind, kind.String(), nil
}

// MeshAndRules parses the device mesh and its layout rules.
func (c *Config) MeshAndRules() (*distributed.DeviceMesh, distributed.LayoutRules, error) {
	mesh, err := distributed.ParseDeviceMesh(c.Mesh.Shape)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "mesh.shape")
	}
	rules, err := distributed.ParseLayoutRules(c.Mesh.Layout)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "mesh.layout")
	}
	if err := rules.Validate(mesh); err != nil {
		return nil, nil, errors.WithMessage(err, "mesh.layout")
	}
	if len(c.Mesh.Devices) > 0 && len(c.Mesh.Devices) != mesh.NumDevices() {
		return nil, nil, errors.Errorf("mesh.devices has %d devices, the mesh %q has %d",
			len(c.Mesh.Devices), c.Mesh.Shape, mesh.NumDevices())
	}
	return mesh, rules, nil
}

// VariableDType returns the dtypes of the variables. Empty names default to float32.
func (c *Config) VariableDType() (graph.VariableDType, error) {
	vdt := graph.DefaultVariableDType()
	for _, field := range []struct {
		name  string
		dtype *dtypes.DType
	}{
		{c.Model.VariableDType.Master, &vdt.Master},
		{c.Model.VariableDType.Slice, &vdt.Slice},
		{c.Model.VariableDType.Activation, &vdt.Activation},
	} {
		if field.name == "" {
			continue
		}
		dtype, found := dtypes.MapOfNames[field.name]
		if !found {
			return vdt, errors.Errorf("unknown dtype %q in model.variable_dtype", field.name)
		}
		*field.dtype = dtype
	}
	return vdt, vdt.Validate()
}

// Optimizer returns the optimizer of Train, with its learning rate schedule.
func (c *Config) Optimizer() (optimizers.Interface, error) {
	schedule, err := optimizers.ScheduleByName(c.Train.Schedule, c.Train.LearningRate, c.Train.WarmupSteps, c.Train.Steps)
	if err != nil {
		return nil, errors.WithMessage(err, "train.schedule")
	}
	opt, err := optimizers.ByName(c.Train.Optimizer, schedule)
	return opt, errors.WithMessage(err, "train.optimizer")
}

// LoadVocabulary returns the Vocabulary.
func (c *Config) LoadVocabulary() (vocab.Vocabulary, error) {
	switch c.Vocabulary.Type {
	case "byte":
		return vocab.NewByteVocabulary(), nil
	case "word":
		return vocab.LoadWordVocabulary(c.Vocabulary.Path)
	}
	return nil, errors.Errorf("unknown vocabulary.type %q", c.Vocabulary.Type)
}

// Task returns the configuration of the named task.
func (c *Config) Task(name string) (*TaskConfig, error) {
	for i := range c.Tasks {
		if c.Tasks[i].Name == name {
			return &c.Tasks[i], nil
		}
	}
	return nil, errors.Errorf("unknown task %q", name)
}
