// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// actorflow_inspect builds a small demo graph spread over the configured backends, prints how it's compiled
// into actors, runs it for a number of steps and reports the memory used by each device.
//
// Example:
//
//	actorflow_inspect -backends=host,gpu,asic -strategy=pipeline -steps=1000
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/actorflow/actor"
	"github.com/gomlx/actorflow/backends"
	_ "github.com/gomlx/actorflow/backends/host"
	_ "github.com/gomlx/actorflow/backends/simdevice"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/gomlx/actorflow/internal/workerspool"
	"github.com/gomlx/actorflow/ir"
	"github.com/gomlx/actorflow/kernels/elementwise"
	"github.com/gomlx/actorflow/memory"
	"github.com/gomlx/actorflow/scheduler"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackends = flag.String("backends", "",
		fmt.Sprintf("Comma-separated list of backend configurations. If empty it uses $%s, or %q if that is not set.",
			backends.ACTORFLOW_BACKENDS, backends.DefaultConfig))
	flagStrategy = flag.String("strategy", "pipeline", `Execution strategy: "step" or "pipeline".`)
	flagSteps    = flag.Int("steps", 100, "Number of steps to run.")
	flagSize     = flag.Int("size", 1024, "Number of elements of the demo tensors.")
	flagPooled   = flag.Int("pooled", memory.DefaultMaxPooled, "Max number of blocks pooled per device and block size.")
	flagThreads  = flag.Int("threads", 0, "Number of worker threads for the pipeline strategy. "+
		"If 0 it's sized by the heuristic, see -show_sizing.")
	flagShowSizing = flag.Bool("show_sizing", true, "Display the thread sizing table.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](run)
	if err != nil {
		klog.Errorf("actorflow_inspect failed: %+v", err)
		os.Exit(1)
	}
}

func run() {
	strategy := must.M1(actor.ParseStrategy(*flagStrategy))
	devices := must.M1(backends.NewDevices(*flagBackends))
	defer backends.FinalizeAll(devices)
	manager := memory.NewManager(devices).WithMaxPooled(*flagPooled)
	defer func() {
		if err := manager.Close(); err != nil {
			klog.Errorf("closing memory manager: %+v", err)
		}
	}()

	if *flagShowSizing {
		printSizing()
	}

	graph := demoGraph(manager, *flagSize)
	var pool *workerspool.Pool
	if *flagThreads > 0 {
		pool = workerspool.New(*flagThreads)
	}
	g := must.M1(scheduler.Build(graph, scheduler.Options{Strategy: strategy, Manager: manager, Pool: pool}))
	defer func() { must.M(g.Close()) }()
	printActors(g)

	x := make([]float32, *flagSize)
	feedFn := func(_ int) (map[string][]byte, error) {
		for ii := range x {
			x[ii] = rand.Float32()*2 - 1
		}
		return map[string][]byte{"x": devicetensor.FlatBytes(x)}, nil
	}

	output := termenv.NewOutput(os.Stdout)
	theme := progressbar.ThemeASCII
	if output.ColorProfile() != termenv.Ascii {
		theme = progressbar.ThemeUnicode
	}
	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Running %s", g.Strategy())),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(theme),
		progressbar.OptionSetWriter(os.Stdout),
	)
	output.HideCursor()
	start := time.Now()
	stepsOutputs, err := g.RunSteps(context.Background(), *flagSteps, func(step int) (map[string][]byte, error) {
		if step > 0 {
			_ = bar.Add(1)
		}
		return feedFn(step)
	})
	if err != nil {
		output.ShowCursor()
		panic(err)
	}
	_ = bar.Finish()
	output.ShowCursor()
	fmt.Println()
	var lastSum float32
	if len(stepsOutputs) > 0 {
		lastSum = devicetensor.BytesAs[float32](stepsOutputs[len(stepsOutputs)-1][1])[0]
	}
	fmt.Printf("%d steps in %s, last sum(relu(x*w+c)) = %.4f\n\n", *flagSteps, time.Since(start).Round(time.Millisecond),
		lastSum)
	printParallelism(g)
	printMemory(manager)
}

// demoGraph computes y=relu(x*w+c) and sum(y): the multiplication runs on the Accelerator and the sum on the
// DedicatedAccelerator, if they are configured.
func demoGraph(manager *memory.Manager, size int) *ir.Graph {
	shape := devicetensor.MakeShape(dtypes.Float32, size)
	w := make([]float32, size)
	c := make([]float32, size)
	for ii := range w {
		w[ii] = float32(ii%7) - 3
		c[ii] = 0.5
	}

	g := ir.New("demo")
	x := g.Parameter("x", shape)
	weights := g.Weight("w", shape, devicetensor.FlatBytes(w))
	bias := g.Constant("c", shape, devicetensor.FlatBytes(c))
	mul := g.Op(elementwise.OpMul, shape, x, weights)
	if manager.HasDevice(backends.Accelerator) {
		mul.SetDevice(backends.Accelerator)
	}
	add := g.Op(elementwise.OpAdd, shape, mul, bias)
	relu := g.Op(elementwise.OpRelu, shape, add)
	sum := g.Op(elementwise.OpReduceSum, devicetensor.MakeShape(dtypes.Float32), relu)
	if manager.HasDevice(backends.DedicatedAccelerator) {
		sum.SetDevice(backends.DedicatedAccelerator)
	}
	g.SetOutputs(relu.At(0), sum.At(0))
	return g
}
