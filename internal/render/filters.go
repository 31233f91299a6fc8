package render

import (
	"context"
	"fmt"
	"image"
	"slices"
	"strings"

	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/model"
)

// Filter transforms one image. Filters are applied in order and must not
// retain img.
type Filter func(ctx context.Context, rc *Context, img image.Image) (image.Image, error)

// filtersFor builds the ordered filter list selected by task: face
// correction first, then upscaling. Selection matches the filter kind as a
// case-insensitive substring of the configured model name.
func (r *Renderer) filtersFor(task model.TaskData) []Filter {
	var filters []Filter
	if strings.Contains(strings.ToLower(task.UseFaceCorrection), backend.FilterFaceCorrection) {
		filters = append(filters, r.engineFilter(backend.FilterSpec{
			Kind:  backend.FilterFaceCorrection,
			Model: task.UseFaceCorrection,
		}))
	}
	if strings.Contains(strings.ToLower(task.UseUpscale), backend.FilterUpscale) {
		filters = append(filters, r.engineFilter(backend.FilterSpec{
			Kind:  backend.FilterUpscale,
			Model: task.UseUpscale,
		}))
	}
	return filters
}

func (r *Renderer) engineFilter(spec backend.FilterSpec) Filter {
	return func(ctx context.Context, _ *Context, img image.Image) (image.Image, error) {
		out, err := r.backend.ApplyFilter(ctx, spec, img)
		if err != nil {
			return nil, fmt.Errorf("%s (%s): %w", spec.Kind, spec.Model, err)
		}
		return out, nil
	}
}

// applyFilters runs filters over every image, producing one filtered record
// per input. Originals are kept ahead of the filtered variants unless
// showOnlyFiltered is set. Stopped renders and empty filter lists pass the
// images through untouched.
func applyFilters(ctx context.Context, rc *Context, filters []Filter, images []ImageRecord, stopped, showOnlyFiltered bool) ([]ImageRecord, error) {
	if stopped || len(filters) == 0 {
		return images, nil
	}

	filtered := make([]ImageRecord, 0, len(images))
	for _, rec := range images {
		img := rec.Image
		for _, f := range filters {
			out, err := f(ctx, rc, img)
			if err != nil {
				return nil, err
			}
			img = out
		}
		filtered = append(filtered, ImageRecord{Image: img, Seed: rec.Seed, Filtered: true})
	}

	if showOnlyFiltered {
		return filtered, nil
	}
	return append(slices.Clip(images), filtered...), nil
}
