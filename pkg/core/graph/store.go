// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// VariableDType holds the dtypes of a variable: the dtype of its master copy, of its per-device
// slices and of the value used in computations (activations).
type VariableDType struct {
	Master, Slice, Activation dtypes.DType
}

// DefaultVariableDType uses float32 everywhere.
func DefaultVariableDType() VariableDType {
	return VariableDType{Master: dtypes.Float32, Slice: dtypes.Float32, Activation: dtypes.Float32}
}

// Validate checks that all dtypes are supported floating point types.
func (vdt VariableDType) Validate() error {
	for _, dtype := range []dtypes.DType{vdt.Master, vdt.Slice, vdt.Activation} {
		if !tensors.IsSupported(dtype) || !dtype.IsFloat() {
			return errors.Errorf("invalid variable dtype %s: variables must be float32, float64, float16 or bfloat16",
				dtype)
		}
	}
	return nil
}

// backend executes the computations of every Store. It is created on first use.
var backend = sync.OnceValues(func() (backends.Backend, error) {
	b, err := simplego.New("")
	return b, errors.WithMessage(err, "creating the computation backend")
})

// Backend returns the backend used to execute computations over the variables of a Store.
func Backend() (backends.Backend, error) { return backend() }

// Store holds the variables of a model across invocations of the model function, and the global step.
//
// The master values live in a GoMLX context.Context, which is what checkpoints save and restore, and
// what the optimizers update. A variable named "a/b" is kept in scope "/a" with name "b".
//
// Values set before the variables are created (e.g. loaded from a checkpoint) are kept in the
// context, and used as the initial value when the variable is created.
type Store struct {
	mu        sync.Mutex
	ctx       *context.Context
	variables map[string]*Variable
	order     []string
	execs     map[string]*context.Exec
	restored  string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		ctx:       context.New(),
		variables: make(map[string]*Variable),
		execs:     make(map[string]*context.Exec),
	}
}

// Context returns the GoMLX context holding the master values.
func (s *Store) Context() *context.Context { return s.ctx }

// scopeAndName of a variable in the context.
func scopeAndName(name string) (scope, base string) {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return context.RootScope, name
	}
	return context.RootScope + name[:idx], name[idx+1:]
}

// NameFromScope returns the name in a Store of the context variable with the given scope and name.
func NameFromScope(scope, name string) string {
	return strings.TrimPrefix(context.JoinScope(scope, name), context.RootScope)
}

func variableName(v *context.Variable) string { return NameFromScope(v.Scope(), v.Name()) }

// isGlobalStep returns whether v is the global step of the store.
func isGlobalStep(v *context.Variable) bool {
	return v.Scope() == context.RootScope && v.Name() == optimizers.GlobalStepVariableName
}

// GlobalStep returns the number of training steps taken.
func (s *Store) GlobalStep() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return optimizers.GetGlobalStep(s.ctx)
}

// SetGlobalStep sets the number of training steps taken, e.g. when restoring a checkpoint.
func (s *Store) SetGlobalStep(step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return optimizers.GetGlobalStepVar(s.ctx).SetValue(tensors.FromScalar(step).ToGoMLX())
}

// RestoredFrom returns the checkpoint the store was restored from, or "".
func (s *Store) RestoredFrom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// SetRestoredFrom records the checkpoint the store was restored from.
func (s *Store) SetRestoredFrom(checkpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = checkpoint
}

// Variable returns the variable with the given name, or nil if it was not created.
func (s *Store) Variable(name string) *Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variables[name]
}

// Variables returns the created variables in creation order.
func (s *Store) Variables() []*Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars := make([]*Variable, 0, len(s.order))
	for _, name := range s.order {
		vars = append(vars, s.variables[name])
	}
	return vars
}

// Names returns the sorted names of all values held, including those of the optimizers and those
// not yet used by a variable. The global step is not included.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for v := range s.ctx.IterVariables() {
		if !isGlobalStep(v) {
			names = append(names, variableName(v))
		}
	}
	sort.Strings(names)
	return names
}

// MasterValues returns the master values of all values held (see Names), by name.
func (s *Store) MasterValues() (map[string]*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]*tensors.Tensor)
	for v := range s.ctx.IterVariables() {
		if isGlobalStep(v) {
			continue
		}
		gv, err := v.Value()
		if err != nil {
			return nil, err
		}
		value, err := tensors.FromGoMLX(gv)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q", variableName(v))
		}
		values[variableName(v)] = value
	}
	return values, nil
}

// SetValue sets the master value of a variable. If the variable was not created yet, the value
// is kept until it is. Slices of an existing variable are invalidated.
func (s *Store) SetValue(name string, value *tensors.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.variables[name]; found {
		if !slices.Equal(value.Dimensions(), v.shape.Dimensions()) {
			return errors.Errorf("cannot set variable %q of shape %s to a value %s", name, v.shape, value.ShapeString())
		}
		v.slices = nil
		return v.setMaster(value)
	}
	scope, base := scopeAndName(name)
	if cv := s.ctx.InspectVariableIfLoaded(scope, base); cv != nil {
		return cv.SetValue(value.ToGoMLX())
	}
	s.ctx.InAbsPath(scope).Checked(false).VariableWithValue(base, value.ToGoMLX())
	return nil
}

func (s *Store) getOrCreate(name string, shape distributed.Shape, vdt VariableDType,
	initFn func() *tensors.Tensor, trainable bool, placer distributed.VariablePlacer) (*Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.variables[name]; found {
		if !v.shape.Equal(shape) {
			return nil, errors.Errorf("variable %q has shape %s, but it was requested with shape %s",
				name, v.shape, shape)
		}
		return v, nil
	}
	if err := vdt.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "creating variable %q", name)
	}
	v := &Variable{name: name, shape: shape, dtype: vdt}
	scope, base := scopeAndName(name)
	v.cv = s.ctx.GetVariableByScopeAndName(scope, base)
	var value *tensors.Tensor
	if v.cv != nil {
		current, err := v.cv.Value()
		if err != nil {
			return nil, err
		}
		if value, err = tensors.FromGoMLX(current); err != nil {
			return nil, errors.WithMessagef(err, "variable %q", name)
		}
	} else if initFn == nil {
		value = tensors.Zeros(vdt.Master, shape.Dimensions()...)
	} else {
		value = initFn()
	}
	if !slices.Equal(value.Dimensions(), shape.Dimensions()) {
		return nil, errors.Errorf("initial value %s of variable %q doesn't match its shape %s",
			value.ShapeString(), name, shape)
	}
	master, err := value.ConvertDType(vdt.Master)
	if err != nil {
		return nil, err
	}
	if v.cv == nil {
		v.cv = s.ctx.InAbsPath(scope).Checked(false).VariableWithValue(base, master.ToGoMLX())
	} else if value.DType() != vdt.Master {
		if err := v.cv.SetValue(master.ToGoMLX()); err != nil {
			return nil, errors.WithMessagef(err, "converting variable %q to %s", name, vdt.Master)
		}
	}
	v.cv.SetTrainable(trainable)
	if placer != nil {
		v.device = placer.PlaceVariable(name, master.Memory())
	}
	s.variables[name] = v
	s.order = append(s.order, name)
	return v, nil
}

// Exec returns the computation cached under key, creating it with fn on first use.
//
// The computation reads and updates the variables of the Store through the context given to fn.
// Computations must not run concurrently.
func (s *Store) Exec(key string, fn func(ctx *context.Context, inputs []*context.Node) []*context.Node) (*context.Exec, error) {
	s.mu.Lock()
	e, found := s.execs[key]
	s.mu.Unlock()
	if found {
		return e, nil
	}
	b, err := backend()
	if err != nil {
		return nil, err
	}
	// fn may read the Store, so it is built without holding the lock.
	e, err = context.NewExec(b, s.ctx, fn)
	if err != nil {
		return nil, errors.WithMessagef(err, "building computation %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[key] = e
	return e, nil
}

// Variable of a model: a master value plus, once lowered and initialized, one slice per logical device.
type Variable struct {
	name   string
	shape  distributed.Shape
	dtype  VariableDType
	device string
	cv     *context.Variable

	layout *distributed.TensorLayout
	slices []*tensors.Tensor
}

// Name of the variable.
func (v *Variable) Name() string { return v.name }

// Shape of the variable.
func (v *Variable) Shape() distributed.Shape { return v.shape }

// DType of the variable.
func (v *Variable) DType() VariableDType { return v.dtype }

// Trainable returns whether the variable is trained by default.
func (v *Variable) Trainable() bool { return v.cv.Trainable }

// Device where the master is placed, "" for the default host device.
func (v *Variable) Device() string { return v.device }

// ContextVariable returns the context variable holding the master value, to be used in computations.
func (v *Variable) ContextVariable() *context.Variable { return v.cv }

// Master returns a copy of the master value.
func (v *Variable) Master() *tensors.Tensor {
	return tensors.MustFromGoMLX(v.cv.MustValue())
}

func (v *Variable) setMaster(value *tensors.Tensor) error {
	master, err := value.ConvertDType(v.dtype.Master)
	if err != nil {
		return err
	}
	return errors.WithMessagef(v.cv.SetValue(master.ToGoMLX()), "setting variable %q", v.name)
}

// SlicesInitialized returns whether the per-device slices were initialized from the master.
func (v *Variable) SlicesInitialized() bool { return v.slices != nil }

// Value returns the current value in the activation dtype: assembled from the slices if they are
// initialized, otherwise from the master.
func (v *Variable) Value() *tensors.Tensor {
	value, err := v.assemble(v.dtype.Activation)
	if err != nil {
		panic(err)
	}
	return value
}

// assemble the full value from the slices (or the master) in the given dtype.
func (v *Variable) assemble(dtype dtypes.DType) (*tensors.Tensor, error) {
	if v.slices == nil {
		return v.Master().ConvertDType(dtype)
	}
	groups, err := v.layout.ReplicaGroups()
	if err != nil {
		return nil, err
	}
	out := tensors.Zeros(dtype, v.shape.Dimensions()...)
	for _, group := range groups {
		out, err = out.SetBlock(v.layout.BlockStarts(group[0]), v.slices[group[0]])
		if err != nil {
			return nil, errors.WithMessagef(err, "assembling variable %q", v.name)
		}
	}
	return out, nil
}
