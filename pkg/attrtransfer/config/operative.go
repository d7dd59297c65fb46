// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// OperativeFileName is the file in the model directory with the configuration of the last run.
const OperativeFileName = "operative_config.yaml"

// Operative is the configuration a run actually used, as saved in its model directory.
type Operative struct {
	RunID   string    `yaml:"run_id"`
	Command string    `yaml:"command"`
	Time    time.Time `yaml:"time"`

	// Settings applied over the configuration file.
	Settings []string `yaml:"settings,omitempty"`
	Config   *Config  `yaml:"config"`
}

// NewOperative creates a snapshot of the configuration for a new run of command.
func NewOperative(c *Config, command string, settings []string) *Operative {
	return &Operative{
		RunID:    uuid.NewString(),
		Command:  command,
		Time:     time.Now(),
		Settings: settings,
		Config:   c,
	}
}

// Save writes the operative configuration to the model directory, creating it if needed.
func (o *Operative) Save() (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(o.Config.ModelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return "", errors.Wrapf(err, "creating model directory %q", dir)
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return "", errors.Wrap(err, "marshaling operative configuration")
	}
	path := filepath.Join(dir, OperativeFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing operative configuration to %q", path)
	}
	return path, nil
}

// LoadOperative reads the operative configuration saved in modelDir.
func LoadOperative(modelDir string) (*Operative, error) {
	dir, err := fsutil.ReplaceTildeInDir(modelDir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, OperativeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading operative configuration")
	}
	o := &Operative{Config: Default()}
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, errors.Wrapf(err, "parsing operative configuration %q", path)
	}
	return o, nil
}

// SaverHook saves the operative configuration when training begins.
type SaverHook struct {
	Operative *Operative
}

// Name implements estimator.Hook.
func (h *SaverHook) Name() string { return "config.SaverHook" }

// Begin implements estimator.BeginHook.
func (h *SaverHook) Begin() error {
	path, err := h.Operative.Save()
	if err != nil {
		return err
	}
	klog.V(1).Infof("Run %s: configuration saved to %s", h.Operative.RunID, path)
	return nil
}
