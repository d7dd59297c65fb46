// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gomlx/caet/pkg/attrtransfer/transfermodel"
	"github.com/gomlx/caet/ui/commandline"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCmd(flags *globalFlags) *cobra.Command {
	var (
		task, initCheckpoint, split string
		steps                       int64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model up to a global step, resuming from the checkpoints of the model directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := flags.loadModel("train")
			if err != nil {
				return err
			}
			step, err := m.Train(cmd.Context(), task, steps, initCheckpoint, split)
			if err != nil {
				return err
			}
			klog.Infof("Model in %s trained up to step %d", m.ModelDir(), step)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Task to train on, defaults to train.task.")
	cmd.Flags().Int64Var(&steps, "steps", 0, "Global step to train up to, defaults to train.steps.")
	cmd.Flags().StringVar(&initCheckpoint, "init_checkpoint", "", "Checkpoint to initialize the variables from.")
	cmd.Flags().StringVar(&split, "split", "", "Split to train on, defaults to train.split.")
	return cmd
}

func newEvalCmd(flags *globalFlags) *cobra.Command {
	var (
		tasks             []string
		summaryDir, split string
		steps             []int64
		continuous        bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Decode the evaluation tasks with the selected checkpoints and report their metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := flags.loadModel("eval")
			if err != nil {
				return err
			}
			selector := m.EvalSelector()
			if len(steps) > 0 {
				selector = transfermodel.Selector(steps)
			} else if continuous {
				m.Config().Eval.Continuous = true
				selector = m.EvalSelector()
			}
			results, err := m.Eval(cmd.Context(), tasks, selector, summaryDir, split)
			if err != nil {
				return err
			}
			commandline.ReportEval(os.Stdout, results)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tasks, "tasks", nil, "Tasks to evaluate, defaults to eval.tasks or all tasks.")
	cmd.Flags().Int64SliceVar(&steps, "steps", nil, "Evaluate the checkpoints closest to these steps.")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "Wait for new checkpoints, until eval.timeout.")
	cmd.Flags().StringVar(&summaryDir, "summary_dir", "", "Directory for the summaries, targets and predictions.")
	cmd.Flags().StringVar(&split, "split", "", "Split to evaluate, defaults to eval.split.")
	return cmd
}

func newPredictCmd(flags *globalFlags) *cobra.Command {
	var (
		input, output string
		steps         []int64
		beamSize      int
		temperature   float64
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: `Decode the prompts of a file, one "<text>|dst_attribute:<n>" per line`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := flags.loadModel("predict")
			if err != nil {
				return err
			}
			if len(steps) == 0 {
				steps = m.Config().Decode.CheckpointSteps
			}
			if !cmd.Flags().Changed("temperature") {
				temperature = m.Config().Decode.Temperature
			}
			written, err := m.Predict(cmd.Context(), input, output, transfermodel.Selector(steps), beamSize, temperature)
			if err != nil {
				return err
			}
			for _, path := range written {
				fmt.Println(path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "File with the prompts, defaults to decode.input_file.")
	cmd.Flags().StringVar(&output, "output", "", `Decodes are written to "<output>-<step>", defaults to decode.output_file.`)
	cmd.Flags().Int64SliceVar(&steps, "steps", nil, "Decode with the checkpoints closest to these steps, defaults to the latest.")
	cmd.Flags().IntVar(&beamSize, "beam_size", 0, "Beam size, defaults to decode.beam_size.")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature, 0 is greedy. Defaults to decode.temperature.")
	return cmd
}
