// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/internal/workerspool"
	"github.com/gomlx/actorflow/memory"
	"github.com/gomlx/actorflow/scheduler"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func printSizing() {
	fmt.Println(titleStyle.Render("Thread Sizing"))
	table := newTable(true).Headers("CPUs", "actor threads", "actor+kernel threads")
	actorThreads, actorAndKernelThreads := workerspool.ComputeThreadCounts()
	table.Row(humanize.Comma(int64(runtime.NumCPU())), humanize.Comma(int64(actorThreads)),
		humanize.Comma(int64(actorAndKernelThreads)))
	fmt.Println(table.Render())
}

func printActors(g *scheduler.ActorGraph) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Actors of %q (%s)", g.Graph().Name(), g.ID())))
	table := newTable(true).Headers("#", "actor", "role", "device", "inputs", "deps", "dependents")
	for ii, info := range g.Actors() {
		table.Row(fmt.Sprint(ii), info.Name, info.Role.String(), info.Device, fmt.Sprint(info.NumInputs),
			fmt.Sprint(info.NumDeps), fmt.Sprint(info.NumDependents))
	}
	fmt.Println(table.Render())
}

func printParallelism(g *scheduler.ActorGraph) {
	fmt.Println(titleStyle.Render("Parallelism"))
	table := newTable(true).Headers("strategy", "max parallelism", "peak parallelism")
	maxParallelism := "unlimited"
	if limit := g.Pool().MaxParallelism(); limit >= 0 {
		maxParallelism = humanize.Comma(int64(limit))
	}
	table.Row(g.Strategy().String(), maxParallelism, humanize.Comma(int64(g.Pool().Peak())))
	fmt.Println(table.Render())
}

func printMemory(manager *memory.Manager) {
	fmt.Println(titleStyle.Render("Memory"))
	table := newTable(true).Headers("device", "live", "in use", "pooled", "allocations", "reuses", "frees")
	for deviceType := range backends.DeviceTypeLast {
		if !manager.HasDevice(deviceType) {
			continue
		}
		stats := manager.Stats(deviceType)
		table.Row(deviceType.String(), humanize.Comma(int64(stats.Live)), humanize.IBytes(stats.InUse),
			humanize.IBytes(stats.Pooled), humanize.Comma(int64(stats.Allocations)),
			humanize.Comma(int64(stats.Reuses)), humanize.Comma(int64(stats.Frees)))
	}
	fmt.Println(table.Render())
}
