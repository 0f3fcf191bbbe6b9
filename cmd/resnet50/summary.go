package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnet50/resnet"
	"github.com/pkg/errors"
)

// layerSummary holds the output shape and the variables of one group of layers of the model.
type layerSummary struct {
	Name          string
	OutputShape   shapes.Shape
	NumVariables  int
	NumParameters int
	Memory        uintptr
}

// summarize builds a ResNet-50 for one image of imageSize x imageSize, configured by the hyperparameters in ctx,
// and returns the summary of the stem, each stage, the classification head, and the total.
func summarize(backend backends.Backend, ctx *context.Context, imageSize int) (rows []layerSummary, err error) {
	numClasses := context.GetParamOr(ctx, resnet.ParamNumClasses, 0)
	if numClasses <= 0 {
		return nil, errors.Errorf("hyperparameter %q must be > 0 for the summary, got %d", resnet.ParamNumClasses, numClasses)
	}
	modelCtx := ctx.In(resnet.BuildScope)
	err = exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, modelCtx, func(ctx *context.Context, g *Graph) *Node {
			rows = rows[:0]
			x := Ones(g, shapes.Make(dtypes.Float32, 1, imageSize, imageSize, 3))
			if context.GetParamOr(ctx, resnet.ParamChannelsFirst, false) {
				x = TransposeAllAxes(x, 0, 3, 1, 2)
			}
			cfg := resnet.FromContext(ctx, x)
			x = cfg.Stem(x)
			rows = append(rows, layerSummary{Name: "res1", OutputShape: x.Shape()})
			for _, stage := range resnet.Stages {
				x = cfg.Stage(x, stage)
				rows = append(rows, layerSummary{Name: fmt.Sprintf("res%d", stage.Number), OutputShape: x.Shape()})
			}
			x = cfg.Head(cfg.Pool(x))
			rows = append(rows, layerSummary{Name: resnet.HeadScope(numClasses), OutputShape: x.Shape()})
			return x
		})
	})
	if err != nil {
		return nil, err
	}

	rowIdx := make(map[string]int, len(rows))
	for ii, row := range rows {
		rowIdx[row.Name] = ii
	}
	total := layerSummary{Name: "total", OutputShape: rows[len(rows)-1].OutputShape}
	for v := range modelCtx.IterVariablesInScope() {
		name := layerGroup(strings.TrimPrefix(v.Scope(), modelCtx.Scope()))
		ii, found := rowIdx[name]
		if !found {
			continue
		}
		for _, s := range []*layerSummary{&rows[ii], &total} {
			s.NumVariables++
			s.NumParameters += v.Shape().Size()
			s.Memory += v.Shape().Memory()
		}
	}
	rows = append(rows, total)
	return rows, nil
}

// layerGroup maps a variable scope (relative to the model scope) to the row of the summary:
// "/bn_res1" -> "res1", "/res3b_branch2a" and "/bn3b_branch2a" -> "res3", "/fc1000/dense" -> "fc1000".
func layerGroup(scope string) string {
	scope = strings.TrimPrefix(scope, context.ScopeSeparator)
	if idx := strings.Index(scope, context.ScopeSeparator); idx >= 0 {
		scope = scope[:idx]
	}
	switch {
	case scope == "bn_res1":
		return "res1"
	case strings.HasPrefix(scope, "res") && len(scope) > 3:
		return "res" + scope[3:4]
	case strings.HasPrefix(scope, "bn") && len(scope) > 2:
		return "res" + scope[2:3]
	}
	return scope
}

// printSummary renders the summary rows as a table.
func printSummary(rows []layerSummary, imageSize int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("ResNet-50 summary for %dx%d images", imageSize, imageSize)))
	table := newTable([]string{"layers", "output shape", "# variables", "# parameters", "memory"},
		len(rows), true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, row := range rows {
		table.Row(
			row.Name,
			row.OutputShape.String(),
			humanize.Comma(int64(row.NumVariables)),
			humanize.Comma(int64(row.NumParameters)),
			humanize.Bytes(uint64(row.Memory)),
		)
	}
	fmt.Println(table.Render())
}
