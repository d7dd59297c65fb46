// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ApplySettings overrides configuration fields from settings, typically the contents of a flag set
// by the user. The settings are a list separated by ";", e.g.: "batch_size=32;train.optimizer=sgd".
//
// Each field is given by its YAML path, with "." separating the levels of nesting. Values are
// YAML, so lists can be given as "eval.steps=[1000, 2000]". For integers "_" is removed: it allows
// one to enter large numbers using it as a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads settings from a file, one or more per line. Empty lines and lines
// starting with "#" are ignored.
//
// It returns the paths of the fields set.
func (c *Config) ApplySettings(settings string) (paths []string, err error) {
	var root yaml.Node
	if err = root.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encoding configuration")
	}
	for _, setting := range strings.Split(settings, ";") {
		paths, err = applySetting(&root, setting, paths)
		if err != nil {
			return nil, err
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	data, err := yaml.Marshal(&root)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling configuration")
	}
	updated := &Config{}
	if err = updated.decode(data); err != nil {
		return nil, errors.WithMessagef(err, "applying settings %q", paths)
	}
	*c = *updated
	return paths, nil
}

var underscoreIntRe = regexp.MustCompile(`^[-+]?[0-9][0-9_]*$`)

func applySetting(root *yaml.Node, setting string, paths []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paths, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return nil, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				paths, err = applySetting(root, s, paths)
				if err != nil {
					return nil, err
				}
			}
		}
		return paths, nil
	}

	path, valueStr, found := strings.Cut(setting, "=")
	path = strings.TrimSpace(path)
	if !found || path == "" {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<field>=<value>\"", setting)
	}
	valueStr = strings.TrimSpace(valueStr)
	if underscoreIntRe.MatchString(valueStr) {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(valueStr), &doc); err != nil {
		return nil, errors.Wrapf(err, "can't parse the value of setting %q", setting)
	}
	value := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	if len(doc.Content) > 0 {
		value = doc.Content[0]
	}

	node := root
	keys := strings.Split(path, ".")
	for i, key := range keys {
		if node.Kind != yaml.MappingNode {
			return nil, errors.Errorf("can't set %q: %q is not a section", path, strings.Join(keys[:i], "."))
		}
		last := i == len(keys)-1
		child := mappingValue(node, key)
		if child == nil {
			// New keys are checked against the known fields when the configuration is decoded.
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
		}
		if last {
			*child = *value
		}
		node = child
	}
	return append(paths, path), nil
}

// mappingValue returns the value of key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
