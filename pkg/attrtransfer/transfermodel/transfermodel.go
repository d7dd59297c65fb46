// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transfermodel wires a configuration into a trainable attribute transfer model: the
// tasks, the model and its model function, and an estimator to train, evaluate and decode with.
package transfermodel

import (
	"context"
	"path/filepath"
	"slices"

	"github.com/gomlx/caet/pkg/attrtransfer/config"
	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/attrtransfer/modelfn"
	"github.com/gomlx/caet/pkg/attrtransfer/run"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/metrics"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/model/copymodel"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/caet/pkg/ml/tasks"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Model is an attribute transfer model configured by a config.Config.
type Model struct {
	cfg       *config.Config
	modelDir  string
	vocab     vocab.Vocabulary
	registry  *tasks.Registry
	kind      model.Kind
	modelType string

	settings    []string
	registerer  prometheus.Registerer
	onEstimator []func(e *estimator.Estimator)
}

// New creates the Model of a validated configuration.
func New(cfg *config.Config) (*Model, error) {
	m := &Model{}
	if err := m.setConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) setConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}
	modelDir, err := fsutil.ReplaceTildeInDir(cfg.ModelDir)
	if err != nil {
		return err
	}
	kind, modelType, err := cfg.ModelKind()
	if err != nil {
		return err
	}
	v, err := cfg.LoadVocabulary()
	if err != nil {
		return err
	}
	m.cfg, m.modelDir, m.vocab, m.kind, m.modelType = cfg, modelDir, v, kind, modelType
	m.registry = tasks.NewRegistry()
	for i := range cfg.Tasks {
		task, err := m.newTask(&cfg.Tasks[i])
		if err != nil {
			return err
		}
		if err := m.registry.Add(task); err != nil {
			return err
		}
	}
	return nil
}

// WithSettings records the settings applied over the configuration, saved with the operative
// configuration.
func (m *Model) WithSettings(settings []string) *Model {
	m.settings = settings
	return m
}

// WithRegisterer mirrors the summaries as Prometheus gauges registered in registerer.
func (m *Model) WithRegisterer(registerer prometheus.Registerer) *Model {
	m.registerer = registerer
	return m
}

// OnEstimator adds a function called on every estimator created, e.g. to attach a progress bar
// to its training loop.
func (m *Model) OnEstimator(fn func(e *estimator.Estimator)) *Model {
	m.onEstimator = append(m.onEstimator, fn)
	return m
}

// Config returns the configuration of the model.
func (m *Model) Config() *config.Config { return m.cfg }

// ModelDir returns the model directory, with "~" expanded.
func (m *Model) ModelDir() string { return m.modelDir }

// Tasks returns the registry with the configured tasks.
func (m *Model) Tasks() *tasks.Registry { return m.registry }

// Vocabulary of the model.
func (m *Model) Vocabulary() vocab.Vocabulary { return m.vocab }

func (m *Model) newTask(tc *config.TaskConfig) (*tasks.Task, error) {
	files := make(map[string]string, len(tc.Files))
	for split, path := range tc.Files {
		path, err := fsutil.ReplaceTildeInDir(path)
		if err != nil {
			return nil, err
		}
		files[split] = path
	}
	task := &tasks.Task{
		Name:       tc.Name,
		Source:     tasks.TSVSource(files),
		Vocabulary: m.vocab,
	}
	if m.cfg.Model.ControlCodes {
		task.ControlCodes = slices.Clone(tc.ControlCodes)
	}
	for _, name := range tc.Metrics {
		fn, err := metricFn(name, tc)
		if err != nil {
			return nil, err
		}
		task.MetricFns = append(task.MetricFns, fn)
	}
	return task, nil
}

func metricFn(name string, tc *config.TaskConfig) (datasets.MetricFn, error) {
	switch name {
	case "sequence_accuracy":
		return metrics.SequenceAccuracyText, nil
	case "bleu":
		return metrics.BLEU, nil
	case "attribute_transfer":
		if len(tc.Lexicon) == 0 {
			return nil, errors.Errorf("metric %q of task %q requires a lexicon", name, tc.Name)
		}
		return metrics.AttributeTransfer(&metrics.LexiconClassifier{Lexicon: tc.Lexicon}), nil
	}
	return nil, errors.Errorf("unknown metric %q in task %q", name, tc.Name)
}

// estimator builds the model, its model function and an estimator over the model directory.
func (m *Model) estimator(cfg *config.Config, inference model.DecodeParams, trainHooks []estimator.Hook,
	summaries *summary.Writer) (*estimator.Estimator, error) {
	reference, err := copymodel.New(m.kind, m.vocab.VocabSize(), cfg.Model.NumAttributes)
	if err != nil {
		return nil, err
	}
	if cfg.Model.InitialCopyGate != 0 {
		reference = reference.WithInitialCopyGate(cfg.Model.InitialCopyGate)
	}
	mesh, rules, err := cfg.MeshAndRules()
	if err != nil {
		return nil, err
	}
	vdt, err := cfg.VariableDType()
	if err != nil {
		return nil, err
	}
	opt, err := cfg.Optimizer()
	if err != nil {
		return nil, err
	}
	builder := modelfn.Build(reference).
		ModelType(m.modelType).
		Mesh(mesh, rules).
		BatchSize(cfg.BatchSize).
		SequenceLengths(cfg.SequenceLength).
		Optimizer(opt).
		VariableDType(vdt).
		AttributeEmbedding(cfg.Model.AttributeEmbedding).
		ControlCodes(cfg.Model.ControlCodes).
		PartialSequences(cfg.Model.HasPartialSequences, cfg.Model.RemovePartialSequences).
		DecodeParams(model.TrainingDecodeParams(), inference).
		SaveCheckpointsSteps(cfg.Train.SaveCheckpointsSteps).
		TrainHooks(trainHooks...)
	if len(cfg.Mesh.Devices) > 0 {
		builder = builder.Devices(cfg.Mesh.Devices)
	}
	if cfg.OuterBatchSize > 1 {
		builder = builder.OuterBatchSize(cfg.OuterBatchSize)
	}
	if cfg.Ensemble > 1 {
		builder = builder.Ensemble(cfg.Ensemble)
	}
	if cfg.Model.CycleConsistency.Enabled {
		builder = builder.CycleConsistency(cfg.Model.CycleConsistency.LambdaAE, cfg.Model.CycleConsistency.LambdaCycle)
	}
	if cfg.Train.VariableFilter != "" {
		builder = builder.VariableFilterRegex(cfg.Train.VariableFilter)
	}
	if cfg.Train.InitCheckpoint != "" {
		builder = builder.InitCheckpoint(cfg.Train.InitCheckpoint)
	}
	if cfg.Train.NumMicrobatches > 0 {
		builder = builder.NumMicrobatches(cfg.Train.NumMicrobatches)
	} else if cfg.Train.TokensPerMicrobatchPerReplica > 0 {
		builder = builder.TokensPerMicrobatchPerReplica(cfg.Train.TokensPerMicrobatchPerReplica)
	}
	fn, err := builder.Done()
	if err != nil {
		return nil, err
	}
	keep := cfg.Train.KeepCheckpointMax
	if keep <= 0 {
		keep = -1
	}
	estBuilder := estimator.Build(fn).
		ModelDir(m.modelDir).
		Keep(keep).
		SaveCheckpointsSteps(cfg.Train.SaveCheckpointsSteps)
	if summaries != nil {
		estBuilder = estBuilder.Summaries(summaries)
	}
	est, err := estBuilder.Done()
	if err != nil {
		return nil, err
	}
	for _, fn := range m.onEstimator {
		fn(est)
	}
	return est, nil
}

// Train the model on task, up to the global step steps (the checkpoints of the model directory
// are resumed). An empty task uses the configured train.task, and an empty split train.split.
// If initCheckpoint is given, the variables are initialized from it on the first step.
//
// It returns the global step reached.
func (m *Model) Train(ctx context.Context, task string, steps int64, initCheckpoint, split string) (int64, error) {
	cfg := *m.cfg
	if task == "" {
		task = cfg.Train.Task
	}
	if steps > 0 {
		cfg.Train.Steps = steps
	}
	if initCheckpoint != "" {
		cfg.Train.InitCheckpoint = initCheckpoint
	}
	if split == "" {
		split = cfg.Train.Split
	}
	t, err := m.registry.Get(task)
	if err != nil {
		return 0, errors.WithMessage(err, "training task")
	}

	operative := config.NewOperative(&cfg, "train", m.settings)
	writer, err := summary.NewWriter(m.modelDir, m.registerer)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			klog.Errorf("closing training summaries: %+v", err)
		}
	}()
	est, err := m.estimator(&cfg, model.InferenceDecodeParams(), []estimator.Hook{&config.SaverHook{Operative: operative}}, writer)
	if err != nil {
		return 0, err
	}
	klog.Infof("Training task %q (split %q) in %s, run %s: up to step %d", task, split, m.modelDir,
		operative.RunID, cfg.Train.Steps)
	return run.Train(ctx, est, run.TrainOptions{
		DatasetFn: t.Dataset,
		Lengths:   cfg.SequenceLength,
		BatchSize: cfg.BatchSize,
		Ensemble:  cfg.Ensemble,
		Steps:     cfg.Train.Steps,
		Split:     split,
		ReadAhead: cfg.Train.ReadAhead,
	})
}

// loadOperative replaces the model definition with the one the checkpoints of the model
// directory were trained with, if it was saved.
func (m *Model) loadOperative() error {
	operative, err := config.LoadOperative(m.modelDir)
	if err != nil {
		klog.V(1).Infof("No operative configuration used: %v", err)
		return nil
	}
	cfg := *m.cfg
	cfg.Model = operative.Config.Model
	cfg.Vocabulary = operative.Config.Vocabulary
	klog.Infof("Using the model of run %s (%s at %s)", operative.RunID, operative.Command,
		operative.Time.Format("2006-01-02 15:04:05"))
	return m.setConfig(&cfg)
}

// Selector returns the checkpoint selector for steps: the latest checkpoint if steps is empty.
func Selector(steps []int64) checkpoints.Selector {
	if len(steps) == 0 {
		return checkpoints.Latest()
	}
	return checkpoints.Steps(steps...)
}

// EvalSelector returns the checkpoint selector of the eval configuration.
func (m *Model) EvalSelector() checkpoints.Selector {
	ec := m.cfg.Eval
	if len(ec.Steps) == 0 && ec.Continuous {
		return checkpoints.Continuous(ec.PollInterval, ec.Timeout)
	}
	return Selector(ec.Steps)
}

// Eval decodes the tasks with each checkpoint selected and computes their metrics. Empty
// taskNames, summaryDir and split default to the eval configuration.
func (m *Model) Eval(ctx context.Context, taskNames []string, selector checkpoints.Selector, summaryDir, split string) (
	[]run.CheckpointMetrics, error) {
	if err := m.loadOperative(); err != nil {
		return nil, err
	}
	cfg := m.cfg
	if len(taskNames) == 0 {
		taskNames = cfg.Eval.Tasks
	}
	if len(taskNames) == 0 {
		taskNames = m.registry.Names()
	}
	if split == "" {
		split = cfg.Eval.Split
	}
	if summaryDir == "" {
		summaryDir = cfg.Eval.SummaryDir
	}
	if summaryDir == "" {
		summaryDir = filepath.Join(m.modelDir, split+"_eval")
	}
	writer, err := summary.NewWriter(summaryDir, m.registerer)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			klog.Errorf("closing eval summaries: %+v", err)
		}
	}()
	est, err := m.estimator(cfg, model.InferenceDecodeParams(), nil, nil)
	if err != nil {
		return nil, err
	}
	opts := run.EvalOptions{
		Vocabulary:          m.vocab,
		Lengths:             cfg.SequenceLength,
		BatchSize:           cfg.BatchSize,
		Split:               split,
		ModelDir:            m.modelDir,
		EvalDatasetFn:       m.registry.EvalDatasetFn(taskNames...),
		SummaryDir:          summaryDir,
		Selector:            selector,
		AttributeBit:        cfg.Model.AttributeEmbedding,
		UnsupervisedMetrics: cfg.Eval.UnsupervisedMetrics,
		ControlCodes:        cfg.Model.ControlCodes,
		Summaries:           writer,
	}
	results, err := run.Evaluate(ctx, est, opts)
	if err != nil || !cfg.Eval.TeacherForced {
		return results, err
	}
	teacherForced, err := run.EvaluateTeacherForced(ctx, est, opts)
	return append(results, teacherForced...), err
}

// Predict decodes the prompts of inputFile with the selected checkpoints, writing the decodes
// to "<outputFile>-<step>". Empty files and non-positive beamSize default to the decode
// configuration.
//
// It returns the files written.
func (m *Model) Predict(ctx context.Context, inputFile, outputFile string, selector checkpoints.Selector,
	beamSize int, temperature float64) ([]string, error) {
	if err := m.loadOperative(); err != nil {
		return nil, err
	}
	cfg := m.cfg
	if inputFile == "" {
		inputFile = cfg.Decode.InputFile
	}
	if outputFile == "" {
		outputFile = cfg.Decode.OutputFile
	}
	if inputFile == "" || outputFile == "" {
		return nil, errors.New("predict requires an input and an output file")
	}
	if beamSize <= 0 {
		beamSize = cfg.Decode.BeamSize
	}
	inference := model.InferenceDecodeParams()
	inference.BeamSize = beamSize
	inference.Temperature = temperature
	est, err := m.estimator(cfg, inference, nil, nil)
	if err != nil {
		return nil, err
	}
	controlCodes, err := m.decodeControlCodes()
	if err != nil {
		return nil, err
	}
	return run.Infer(ctx, est, run.InferOptions{
		DecodeOptions: run.DecodeOptions{
			Vocabulary:         m.vocab,
			ModelKind:          m.kind,
			BatchSize:          cfg.BatchSize,
			Lengths:            cfg.SequenceLength,
			InputFile:          inputFile,
			OutputFile:         outputFile,
			Repeats:            cfg.Decode.Repeats,
			ControlCodes:       controlCodes,
			AttributeEmbedding: cfg.Model.AttributeEmbedding,
		},
		ModelDir: m.modelDir,
		Selector: selector,
	})
}

// decodeControlCodes returns the control code table of the train task, or of the only task.
func (m *Model) decodeControlCodes() ([]string, error) {
	if !m.cfg.Model.ControlCodes {
		return nil, nil
	}
	name := m.cfg.Train.Task
	if name == "" {
		if len(m.cfg.Tasks) != 1 {
			return nil, errors.New("control codes for decoding are taken from train.task, which is not set")
		}
		name = m.cfg.Tasks[0].Name
	}
	tc, err := m.cfg.Task(name)
	if err != nil {
		return nil, err
	}
	return tc.ControlCodes, nil
}
