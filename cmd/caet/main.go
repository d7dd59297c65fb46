// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// caet trains, evaluates and decodes with attribute transfer models.
//
// Usage:
//
//	caet train --config=yelp.yaml --set="train.steps=50_000"
//	caet eval --config=yelp.yaml --steps=10000,20000
//	caet predict --config=yelp.yaml --input=prompts.txt --output=transferred.txt
//	caet checkpoints --vars --metrics ~/work/yelp
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"

	"github.com/gomlx/caet/pkg/attrtransfer/config"
	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/attrtransfer/transfermodel"
	"github.com/gomlx/caet/ui/commandline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// globalFlags are shared by the commands that build a model.
type globalFlags struct {
	configPath  string
	settings    string
	modelDir    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "caet",
		Short:         "Conditioned attribute transfer models: train, evaluate and decode",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML configuration file. If empty, the default configuration is used.")
	pf.StringVar(&flags.settings, "set", "",
		`Settings over the configuration, e.g. "batch_size=32;train.optimizer=sgd" or "file:<path>".`)
	pf.StringVar(&flags.modelDir, "model_dir", "", "Model directory, overrides the one of the configuration.")
	pf.StringVar(&flags.metricsAddr, "metrics_addr", "", `Address to serve Prometheus metrics on, e.g. ":9090".`)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	pf.AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		newTrainCmd(flags),
		newEvalCmd(flags),
		newPredictCmd(flags),
		newCheckpointsCmd(),
	)
	return rootCmd
}

// loadModel reads the configuration, applies the settings and creates the model.
func (flags *globalFlags) loadModel(command string) (*transfermodel.Model, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
	}
	settings, err := cfg.ApplySettings(flags.settings)
	if err != nil {
		return nil, err
	}
	if flags.modelDir != "" {
		cfg.ModelDir = flags.modelDir
		settings = append(settings, "model_dir")
	}
	m, err := transfermodel.New(cfg)
	if err != nil {
		return nil, err
	}
	m.WithSettings(settings)
	if command == "train" {
		m.OnEstimator(func(e *estimator.Estimator) { commandline.AttachProgressBar(e) })
	}
	if flags.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		m.WithRegisterer(registry)
		go func() {
			klog.Infof("Serving metrics on %s/metrics", flags.metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(flags.metricsAddr, mux); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}
	return m, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := newRootCmd().ExecuteContext(ctx)
	klog.Flush()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
