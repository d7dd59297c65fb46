// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelfn builds the model function of attribute transfer models: given a model and its
// static configuration (mesh, layout rules, batch and sequence sizes, optimizer, feature toggles
// and cycle-consistency weights) it returns an estimator.ModelFn that builds, for each step, the
// training, evaluation or prediction graph.
//
// Example:
//
//	fn, err := modelfn.Build(m).
//		Mesh(mesh, rules).
//		BatchSize(8).
//		SequenceLengths(lengths).
//		AttributeEmbedding(true).
//		CycleConsistency(1.0, 0.5).
//		Done()
package modelfn

import (
	"regexp"
	"sync"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelTypeLM is the model type of decoder-only language models: the inputs, if present, are
// merged into the targets, and the decoder inputs are the targets shifted right.
const ModelTypeLM = "lm"

// MeshName is the name of the mesh of the graph.
const MeshName = "my_mesh"

// replicaCacheSize is the memory reserved per replica on the first host, when placing variables.
const replicaCacheSize = 300 * 1000 * 1000

// PredictFn overrides the decoding done in prediction mode: it returns the samples for the
// features, which are shaped [batch, length].
type PredictFn func(m model.Model, features map[string]*graph.Tensor, vdt graph.VariableDType) *graph.Tensor

// Config of the model function. Create it with Build, and finish with Done.
type Config struct {
	model     model.Model
	modelType string

	mesh           *distributed.DeviceMesh
	rules          distributed.LayoutRules
	devices        []string
	executionCtx   *distributed.ExecutionContext
	batchSize      int
	outerBatchSize int
	ensembleInputs int
	lengths        features.SequenceLengths

	optimizer      optimizers.Interface
	variableDType  graph.VariableDType
	variableFilter func(v *graph.Variable) bool
	initCheckpoint string

	attributeEmbedding     bool
	controlCodes           bool
	hasPartialSequences    bool
	removePartialSequences bool

	cycleConsistency      bool
	lambdaAE, lambdaCycle float64

	numMicrobatches               int
	tokensPerMicrobatchPerReplica int

	predictFn                             PredictFn
	trainingDecodeParams, inferenceParams model.DecodeParams

	saveCheckpointsSteps int64
	trainHooks           []estimator.Hook

	strategy *kindStrategy

	logFilterOnce sync.Once
	err           error
}

// Build the model function for m. The defaults are a single device mesh, batch size 1, the Adam
// optimizer and float32 variables.
func Build(m model.Model) *Config {
	return &Config{
		model:                m,
		outerBatchSize:       1,
		batchSize:            1,
		variableDType:        graph.DefaultVariableDType(),
		lambdaAE:             1.0,
		lambdaCycle:          1.0,
		trainingDecodeParams: model.TrainingDecodeParams(),
		inferenceParams:      model.InferenceDecodeParams(),
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// ModelType sets the type of model, e.g. ModelTypeLM. Other types are taken from the model kind.
func (c *Config) ModelType(modelType string) *Config {
	c.modelType = modelType
	return c
}

// Mesh sets the logical device mesh and the layout rules of the tensors over it.
func (c *Config) Mesh(mesh *distributed.DeviceMesh, rules distributed.LayoutRules) *Config {
	c.mesh = mesh
	c.rules = rules
	return c
}

// Devices sets the device of each logical device of the mesh, when not running on an accelerator.
func (c *Config) Devices(devices []string) *Config {
	c.devices = devices
	return c
}

// ExecutionContext sets the accelerator topology: variables are then placed over its hosts and
// the mesh is mapped to its replicas.
func (c *Config) ExecutionContext(ctx *distributed.ExecutionContext) *Config {
	c.executionCtx = ctx
	return c
}

// BatchSize sets the number of examples per step, and the outer batch size it is split into
// (usually 1).
func (c *Config) BatchSize(batchSize int) *Config {
	c.batchSize = batchSize
	return c
}

// OuterBatchSize splits the batch into outer_batch x batch, e.g. for mixture of experts layers.
func (c *Config) OuterBatchSize(n int) *Config {
	c.outerBatchSize = n
	return c
}

// Ensemble sets the number of models of an ensemble trained on different inputs. 0 disables it.
func (c *Config) Ensemble(n int) *Config {
	c.ensembleInputs = n
	return c
}

// SequenceLengths of the features. Required.
func (c *Config) SequenceLengths(lengths features.SequenceLengths) *Config {
	c.lengths = lengths
	return c
}

// Optimizer used for training. Defaults to optimizers.Adam.
func (c *Config) Optimizer(opt optimizers.Interface) *Config {
	c.optimizer = opt
	return c
}

// VariableDType sets the dtypes of the variables.
func (c *Config) VariableDType(vdt graph.VariableDType) *Config {
	if err := vdt.Validate(); err != nil {
		c.setError(err)
	}
	c.variableDType = vdt
	return c
}

// VariableFilterRegex trains only the variables whose names match the regular expression. The
// other variables keep their values.
func (c *Config) VariableFilterRegex(pattern string) *Config {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "invalid variable filter %q", pattern))
		return c
	}
	c.variableFilter = func(v *graph.Variable) bool { return re.MatchString(v.Name()) }
	return c
}

// VariableFilter trains only the variables for which filter returns true.
func (c *Config) VariableFilter(filter func(v *graph.Variable) bool) *Config {
	c.variableFilter = filter
	return c
}

// InitCheckpoint initializes the variables that are both in the model and in the checkpoint at
// path, when training starts from scratch.
func (c *Config) InitCheckpoint(path string) *Config {
	c.initCheckpoint = path
	return c
}

// AttributeEmbedding enables the "attribute" feature.
func (c *Config) AttributeEmbedding(enabled bool) *Config {
	c.attributeEmbedding = enabled
	return c
}

// ControlCodes enables the control-code prefixed targets.
func (c *Config) ControlCodes(enabled bool) *Config {
	c.controlCodes = enabled
	return c
}

// PartialSequences makes decodes continue from the "controlcode" feature, and optionally remove
// it from the samples.
func (c *Config) PartialSequences(has, remove bool) *Config {
	c.hasPartialSequences = has
	c.removePartialSequences = remove
	return c
}

// CycleConsistency enables the cycle-consistency loss: the loss is
// lambdaAE * reconstruction loss + lambdaCycle * loss of the reconstruction from a decode.
func (c *Config) CycleConsistency(lambdaAE, lambdaCycle float64) *Config {
	c.cycleConsistency = true
	c.lambdaAE = lambdaAE
	c.lambdaCycle = lambdaCycle
	return c
}

// NumMicrobatches splits each training step into n micro-batches, accumulating the gradients.
func (c *Config) NumMicrobatches(n int) *Config {
	c.numMicrobatches = n
	return c
}

// TokensPerMicrobatchPerReplica derives the number of micro-batches from the number of tokens
// each replica processes at once. NumMicrobatches takes precedence.
func (c *Config) TokensPerMicrobatchPerReplica(n int) *Config {
	c.tokensPerMicrobatchPerReplica = n
	return c
}

// PredictFn overrides the decoding in prediction mode.
func (c *Config) PredictFn(fn PredictFn) *Config {
	c.predictFn = fn
	return c
}

// DecodeParams sets the parameters of the decodes done while training (cycle-consistency) and
// for inference.
func (c *Config) DecodeParams(training, inference model.DecodeParams) *Config {
	c.trainingDecodeParams = training
	c.inferenceParams = inference
	return c
}

// SaveCheckpointsSteps overrides the period of the checkpoints saved while training, given by
// the estimator.
func (c *Config) SaveCheckpointsSteps(n int64) *Config {
	c.saveCheckpointsSteps = n
	return c
}

// TrainHooks are added to the hooks of the training steps, e.g. a configuration snapshot.
func (c *Config) TrainHooks(hooks ...estimator.Hook) *Config {
	c.trainHooks = append(c.trainHooks, hooks...)
	return c
}

// Done validates the configuration and returns the model function.
func (c *Config) Done() (estimator.ModelFn, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	strategy, err := strategyFor(c.model.Kind(), c.predictFn)
	if err != nil {
		return nil, err
	}
	c.strategy = strategy
	if c.mesh == nil {
		mesh, err := distributed.NewDeviceMesh([]int{1}, []string{"batch"})
		if err != nil {
			return nil, err
		}
		c.mesh = mesh
	}
	if err := c.rules.Validate(c.mesh); err != nil {
		return nil, err
	}
	if c.optimizer == nil {
		c.optimizer = optimizers.Adam().Done()
	}
	if c.numMicrobatches <= 0 {
		c.numMicrobatches = SerializeNumMicrobatches(c.batchDim(), c.lengths, c.mesh, c.rules,
			c.tokensPerMicrobatchPerReplica)
	}
	if c.batchDim().Size%c.numMicrobatches != 0 {
		return nil, errors.Errorf("batch dimension of size %d not divisible in %d micro-batches",
			c.batchDim().Size, c.numMicrobatches)
	}
	klog.V(1).Infof("model function for %s (kind %s): mesh %s, batch size %d, %d micro-batches",
		c.modelType, c.model.Kind(), c.mesh, c.batchSize, c.numMicrobatches)
	return c.modelFn, nil
}

func (c *Config) validate() error {
	if c.model == nil {
		return errors.New("modelfn requires a model")
	}
	if _, ok := c.model.(model.SimpleCaller); !ok {
		return errors.Errorf("model %T doesn't implement CallSimple", c.model)
	}
	if c.predictFn == nil {
		if err := model.CheckCapabilities(c.model); err != nil {
			return err
		}
	}
	if c.modelType == "" {
		c.modelType = c.model.Kind().String()
	}
	if err := c.lengths.Validate(); err != nil {
		return err
	}
	if c.batchSize < 1 || c.outerBatchSize < 1 || c.batchSize%c.outerBatchSize != 0 {
		return errors.Errorf("batch size %d must be a positive multiple of the outer batch size %d",
			c.batchSize, c.outerBatchSize)
	}
	if c.ensembleInputs < 0 {
		return errors.Errorf("invalid ensemble size %d", c.ensembleInputs)
	}
	if c.attributeEmbedding {
		if _, found := c.lengths[features.Attribute]; !found {
			return errors.Errorf("attribute embedding requires a sequence length for %q", features.Attribute)
		}
	}
	if c.controlCodes {
		if _, found := c.lengths[features.CodePrefixedTargets]; !found {
			return errors.Errorf("control codes require a sequence length for %q", features.CodePrefixedTargets)
		}
	}
	if c.hasPartialSequences {
		if _, found := c.lengths[features.ControlCode]; !found {
			return errors.Errorf("partial sequences require a sequence length for %q", features.ControlCode)
		}
	}
	if c.cycleConsistency && c.model.Kind() != model.KindConditionedBitransformer {
		return errors.Errorf("the cycle-consistency loss requires a %s model, got %s",
			model.KindConditionedBitransformer, c.model.Kind())
	}
	return nil
}

// batchDim is the batch dimension of the imported features.
func (c *Config) batchDim() distributed.Dimension {
	return distributed.Dimension{Name: "batch", Size: c.batchSize / c.outerBatchSize}
}

// SerializeNumMicrobatches returns the number of micro-batches such that each replica processes
// about tokensPerMicrobatchPerReplica tokens at once, or 1 if it is 0.
//
// The micro-batch size is decreased until it divides the batch size per replica.
func SerializeNumMicrobatches(batchDim distributed.Dimension, lengths features.SequenceLengths,
	mesh *distributed.DeviceMesh, rules distributed.LayoutRules, tokensPerMicrobatchPerReplica int) int {
	if tokensPerMicrobatchPerReplica <= 0 {
		return 1
	}
	batchPerReplica := distributed.SizePerSplit(rules, mesh, batchDim)
	maxLength := 1
	for _, length := range lengths {
		maxLength = max(maxLength, length)
	}
	microbatchSize := max(1, tokensPerMicrobatchPerReplica/maxLength)
	for microbatchSize > 1 && batchPerReplica%microbatchSize != 0 {
		microbatchSize--
	}
	numMicrobatches := max(1, batchPerReplica/microbatchSize)
	klog.V(1).Infof("serializing each step in %d micro-batches of %d examples per replica",
		numMicrobatches, microbatchSize)
	return numMicrobatches
}

// meshImpl returns the implementation of the mesh, and the variable placer if any.
func (c *Config) meshImpl() (distributed.Implementation, distributed.VariablePlacer, error) {
	if c.executionCtx == nil {
		return distributed.NewPlacementImpl(c.mesh, c.rules, c.devices), nil, nil
	}
	hosts := c.executionCtx.HostDevices()
	usage := make([]int64, len(hosts))
	// The first host caches the binaries of all replicas.
	usage[0] = replicaCacheSize * int64(c.executionCtx.NumReplicas)
	placer, err := distributed.NewBalancedVariablePlacer(hosts, usage)
	if err != nil {
		return nil, nil, err
	}
	logicalToPhysical, err := distributed.AutoLogicalToPhysical(c.mesh, c.executionCtx.PhysicalShape)
	if err != nil {
		return nil, nil, err
	}
	return distributed.NewSIMDImpl(c.mesh, c.rules, c.executionCtx, logicalToPhysical), placer, nil
}

// modelFn implements estimator.ModelFn.
func (c *Config) modelFn(physical map[string]*tensors.Tensor, mode model.Mode, params estimator.Params) (*estimator.Spec, error) {
	impl, placer, err := c.meshImpl()
	if err != nil {
		return nil, err
	}
	g := graph.New(params.Store)
	mesh := g.NewMesh(MeshName, placer)
	impls := map[*graph.Mesh]distributed.Implementation{mesh: impl}
	imported, labels, err := c.importFeatures(mesh, physical, mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case model.ModePredict:
		return c.predict(g, impls, imported)
	case model.ModeTrain:
		return c.train(g, impls, imported, params)
	case model.ModeEval:
		return c.eval(g, impls, imported, labels)
	}
	return nil, errors.Errorf("unknown mode %s", mode)
}

// ready returns the readiness check of a lowering: all variables initialized and valid mesh
// implementations.
func ready(l *graph.Lowering) func() error {
	return func() error {
		if names := l.UninitializedVariables(); len(names) > 0 {
			return errors.Errorf("uninitialized variables: %q", names)
		}
		for _, m := range l.Graph().Meshes() {
			if err := l.Implementation(m).Validate(); err != nil {
				return err
			}
		}
		return nil
	}
}
