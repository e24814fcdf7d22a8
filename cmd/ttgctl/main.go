// ttgctl runs a small demo template-task graph against a single-rank
// in-process engine: a source template produces integers, a sink template
// sums them over a streaming input and prints the total.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devreal/ttg/cmn"
	"github.com/devreal/ttg/engine"
	"github.com/devreal/ttg/ttg"
	"github.com/devreal/ttg/world"
)

func main() {
	n := flag.Int("n", 10, "number of values the source template produces")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		cmn.SetLevel(logrus.DebugLevel)
	}

	if err := run(*n); err != nil {
		fmt.Fprintln(os.Stderr, "ttgctl:", err)
		os.Exit(1)
	}
}

func run(n int) error {
	eng := engine.NewSingleRank()
	w := world.New(eng)
	defer w.Finalize()

	sum := make(chan int, 1)

	sink, err := ttg.New(w, 2, ttg.Config{
		Name: "sink",
		Inputs: []ttg.InputSpec{
			{
				Kind:       ttg.InputStreaming,
				ReadOnly:   true,
				StaticGoal: uint64(n),
				Reducer: func(acc, val any) any {
					if acc == nil {
						return val
					}
					return acc.(int) + val.(int)
				},
			},
		},
		KeyMap: func(any) int { return 0 },
		Func: func(tc *ttg.TaskContext) {
			sum <- tc.Input(0).(int)
		},
	})
	if err != nil {
		return err
	}

	source, err := ttg.New(w, 1, ttg.Config{
		Name:       "source",
		Inputs:     []ttg.InputSpec{{Kind: ttg.InputValue}},
		NumOutputs: 1,
		KeyMap:     func(any) int { return 0 },
		Func: func(tc *ttg.TaskContext) {
			if err := tc.Out(0).Send(tc.Ctx, "total", tc.Input(0)); err != nil {
				cmn.Errorf("ttgctl: send failed: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}
	source.Out(0).Connect(sink, 0)

	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := source.SetArg(ctx, 0, i, 1); err != nil {
			return err
		}
	}

	select {
	case total := <-sum:
		fmt.Println("sum:", total)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for sink")
	}

	return w.Fence()
}
