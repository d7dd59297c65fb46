// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/exceptions"
	gooptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = gooptimizers.AdamDefaultLearningRate

	// AdamDefaultScope is the default scope name of the moments variables used by Adam.
	AdamDefaultScope = gooptimizers.AdamDefaultScope
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// The moments of a variable "a/b" are kept in the Store as "AdamOptimizer/a/b_1st_moment" and
// "AdamOptimizer/a/b_2nd_moment", so they are checkpointed with the model.
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName: AdamDefaultScope,
		schedule:  Constant(AdamDefaultLearningRate),
		beta1:     0.9,
		beta2:     0.999,
		epsilon:   1e-7,
	}
}

// AdamConfig holds the configuration of Adam, create it with Adam().
type AdamConfig struct {
	scopeName    string
	schedule     Schedule
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW.
	clipping
}

// Scope sets the prefix of the names of the moments variables. It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// WithLearningRate sets a constant learning rate.
func (c *AdamConfig) WithLearningRate(learningRate float64) *AdamConfig {
	c.schedule = Constant(learningRate)
	return c
}

// WithSchedule sets the learning rate schedule. A nil schedule is ignored.
func (c *AdamConfig) WithSchedule(schedule Schedule) *AdamConfig {
	if schedule != nil {
		c.schedule = schedule
	}
	return c
}

// Betas sets the moving average coefficients of the gradient (beta1, default 0.9) and of its
// square (beta2, default 0.999).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator to avoid division by zero. Default is 1e-7.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW: the variables are decayed by
// learningRate*weightDecay*value on every step. Default is 0.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// ClipStepByValue clips each value of the step to [-value, value]. 0 disables it (the default).
func (c *AdamConfig) ClipStepByValue(value float64) *AdamConfig {
	c.stepByValue = value
	return c
}

// ClipNaN skips the gradients of a variable if any of them is NaN or infinite.
func (c *AdamConfig) ClipNaN(enabled bool) *AdamConfig {
	c.nan = enabled
	return c
}

// Done returns an Interface. The AdamConfig should no longer be changed.
func (c *AdamConfig) Done() Interface {
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		exceptions.Panicf("Adam: betas must be in [0, 1), got %g and %g", c.beta1, c.beta2)
	}
	opt := gooptimizers.Adam().
		Scope(c.scopeName).
		DType(computeDType).
		Betas(c.beta1, c.beta2).
		Epsilon(c.epsilon).
		WeightDecay(c.weightDecay).
		Done()
	return newOptimizer("Adam", c.schedule, c.clipping, opt)
}
