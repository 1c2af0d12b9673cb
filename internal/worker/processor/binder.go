package processor

import (
	"context"
	"fmt"
	"math"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/worker/graph"
	"upscaler/internal/worker/media"
)

// Resolution is the target short-side resolution: twice the smaller input
// dimension.
func Resolution(width, height int) int {
	return 2 * min(width, height)
}

// TargetFrameRate doubles a measured frame rate. ok is false when the source
// rate is unknown.
func TargetFrameRate(src float64) (rate float64, ok bool) {
	if math.IsNaN(src) || math.IsInf(src, 0) || src <= 0 {
		return 0, false
	}
	if r := 2 * src; !math.IsInf(r, 0) {
		return r, true
	}
	return 0, false
}

// Binder measures inputs and writes the derived parameters into a fresh
// graph instance.
type Binder struct {
	Inspector media.Inspector
}

// Measure inspects a materialized input.
func (b Binder) Measure(ctx context.Context, path string, kind media.Kind) (media.Properties, error) {
	props, err := b.Inspector.Inspect(ctx, path, kind)
	if err != nil {
		return media.Properties{}, errors.Acquisition(err, "binder.measure", fmt.Sprintf("cannot read %s properties", kind))
	}
	if props.Width <= 0 || props.Height <= 0 {
		return media.Properties{}, errors.Acquisition(
			fmt.Errorf("dimensions %dx%d", props.Width, props.Height),
			"binder.measure", fmt.Sprintf("cannot read %s dimensions", kind))
	}
	return props, nil
}

// Bind instantiates tmpl and fills its slots. Warnings describe parameters
// left at their template defaults.
func (b Binder) Bind(tmpl *graph.Template, props media.Properties, inputName string, interpolate bool) (*graph.Graph, []string, error) {
	g, err := tmpl.Instantiate()
	if err != nil {
		return nil, nil, err
	}

	if err := g.Set(graph.SlotInput, inputName); err != nil {
		return nil, nil, err
	}
	if err := g.Set(graph.SlotResolution, Resolution(props.Width, props.Height)); err != nil {
		return nil, nil, err
	}

	var warnings []string
	if interpolate {
		if !tmpl.HasSlot(graph.SlotFrameRate) {
			return nil, nil, errors.WrapWithCode(graph.ErrMissingSlot, errors.CodeInternal, "binder.bind",
				fmt.Sprintf("template %s cannot interpolate", tmpl.Name()))
		}
		if rate, ok := TargetFrameRate(props.FrameRate); ok {
			if err := g.Set(graph.SlotFrameRate, rate); err != nil {
				return nil, nil, err
			}
		} else {
			def, _ := g.Get(graph.SlotFrameRate)
			warnings = append(warnings, fmt.Sprintf("source frame rate unavailable, using template default %v", def))
		}
	}

	return g, warnings, nil
}
