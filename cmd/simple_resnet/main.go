// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// simple_resnet builds a tiny residual CNN, runs one forward pass over a batch of synthetic images, and reports
// the virtual memory address, size and shape of every weight.
//
// With -hold it blocks after the report, so an external debugger (see weightdbg) can attach to the process.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/weightprobe/internal/hostinfo"
	"github.com/gomlx/weightprobe/pkg/procmaps"
	"github.com/gomlx/weightprobe/pkg/resnet"
	"github.com/gomlx/weightprobe/pkg/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSeed      = flag.Int64("seed", resnet.DefaultSeed, "Seed for the weights initialization and the synthetic images.")
	flagBatchSize = flag.Int("batch", 4, "Number of synthetic images.")
	flagImageSize = flag.Int("size", 64, "Height and width of the synthetic images.")

	flagBuffers = flag.Bool("buffers", false, "Also report the non-trainable batch normalization statistics.")
	flagTable   = flag.Bool("table", false, "Print the weights as a table, instead of one line per weight.")
	flagMaps    = flag.Bool("maps", false, "Print the contents of /proc/self/maps at the end.")

	flagWeightMap = flag.String("weightmap", "", "If set, write the weight map (YAML) of this process to the given file.")
	flagDump      = flag.String("dump", "", "If set, write all weights as one flat binary file.")
	flagLoad      = flag.String("load", "", "If set, load all weights from a flat binary file created with -dump, before evaluating.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to load the model from if there is a checkpoint, and to save it to at the end.")
	flagHold       = flag.Bool("hold", false, "Block after the report until interrupted, so a debugger can attach.")
)

func main() {
	ctx := resnet.CreateDefaultContext(resnet.DefaultSeed)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if err := ctx.SetRNGStateFromSeed(*flagSeed); err != nil {
		klog.Fatalf("Failed to seed the context with %d: %+v", *flagSeed, err)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse context settings: %+v", err)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Context settings:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if err := run(ctx, paramsSet); err != nil {
		klog.Fatalf("%+v", err)
	}
}

func run(ctx *context.Context, paramsSet []string) error {
	fmt.Println(hostinfo.Describe())
	backend, err := backends.New()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	fmt.Printf("Using backend: %s: %s\n", backend.Name(), backend.Description())

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(*flagCheckpoint).
			Keep(1).
			ExcludeParams(paramsSet...).
			Done()
		if err != nil {
			return err
		}
		klog.V(1).Infof("Checkpointing model to %q", checkpoint.Dir())
	}

	net, err := resnet.New(backend, ctx)
	if err != nil {
		return err
	}
	defer net.Finalize()

	images, err := resnet.SyntheticImages(backend, *flagSeed, *flagBatchSize, *flagImageSize, *flagImageSize)
	if err != nil {
		return err
	}

	// Variables are only created (or loaded from the checkpoint) during the first forward pass.
	output, err := net.Forward(images)
	if err != nil {
		return err
	}
	inspector, err := weights.Attach(net.Context(), inspectorOptions()...)
	if err != nil {
		return err
	}
	if *flagLoad != "" {
		if err = loadWeights(inspector, *flagLoad); err != nil {
			return err
		}
		if output, err = net.Forward(images); err != nil {
			return err
		}
		if err = inspector.Refresh(); err != nil {
			return err
		}
	}

	fmt.Println("=== Model Weight Virtual Memory Addresses ===")
	if *flagTable {
		fmt.Println(inspector.RenderTable())
	} else if err := inspector.WriteReport(os.Stdout); err != nil {
		return err
	}
	fmt.Printf("Input shape: %s\n", weights.FormatDims(images.Shape().Dimensions))
	fmt.Printf("Output shape: %s\n", weights.FormatDims(output.Shape().Dimensions))
	if err := checkFinite(output); err != nil {
		return err
	}

	pid := os.Getpid()
	fmt.Printf("Current PID: %d\n", pid)
	if err := writeFiles(inspector, pid); err != nil {
		return err
	}
	if checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			return err
		}
		fmt.Printf("Checkpoint saved to %q\n", checkpoint.Dir())
	}
	if *flagMaps {
		fmt.Printf("\n=== %s ===\n", procmaps.Path(procmaps.Self))
		if err := procmaps.Copy(os.Stdout, procmaps.Self); err != nil {
			return err
		}
	}
	if *flagHold {
		hold(pid)
	}
	return nil
}

func inspectorOptions() []weights.Option {
	if *flagBuffers {
		return []weights.Option{weights.WithBuffers()}
	}
	return nil
}

// writeFiles writes the weight map and the flat dump, if requested.
func writeFiles(inspector *weights.Inspector, pid int) error {
	if *flagWeightMap != "" {
		f, err := os.Create(*flagWeightMap)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", *flagWeightMap)
		}
		err = weights.WriteWeightMap(f, inspector.WeightMapFor(pid))
		closeErr := f.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return errors.Wrapf(closeErr, "failed to close %q", *flagWeightMap)
		}
		fmt.Printf("Weight map written to %q\n", *flagWeightMap)
	}
	if *flagDump != "" {
		flat, err := inspector.Dump()
		if err != nil {
			return err
		}
		if err = os.WriteFile(*flagDump, flat, 0644); err != nil {
			return errors.Wrapf(err, "failed to write %q", *flagDump)
		}
		fmt.Printf("Dumped %d bytes of weights to %q\n", len(flat), *flagDump)
	}
	return nil
}

// loadWeights loads the flat file at path, created with -dump, into the inspected weights.
func loadWeights(inspector *weights.Inspector, path string) error {
	flat, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	if err = inspector.Load(flat); err != nil {
		return err
	}
	klog.Infof("Loaded %d bytes of weights from %q", len(flat), path)
	return nil
}

// checkFinite returns an error if any of the logits is NaN or infinite.
func checkFinite(logits *tensors.Tensor) error {
	for i, v := range tensors.MustCopyFlatData[float32](logits) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.Errorf("logit #%d is not finite: %g", i, v)
		}
	}
	return nil
}

// hold blocks until SIGINT or SIGTERM.
func hold(pid int) {
	fmt.Printf("Holding process %d, interrupt with Ctrl+C.\n", pid)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	signal.Stop(signals)
}
