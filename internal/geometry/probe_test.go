package geometry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/testing/fakepage"
)

func newProbe(t *testing.T) *Probe {
	return NewProbe(zaptest.NewLogger(t), config.GeometryConfig{SafetyPadding: 20})
}

func TestReconcile(t *testing.T) {
	vp := schemas.Viewport{Width: 1280, Height: 1000, DevicePixelRatio: 1}

	t.Run("takes the maximum signal and pads", func(t *testing.T) {
		s := schemas.SizeSignals{BodyScrollHeight: 2900, RootScrollHeight: 3000, RootOffsetHeight: 2950, RootScrollWidth: 1280}
		dims := Reconcile(s, schemas.Extent{}, vp, 2000, 20)

		assert.Equal(t, 3020, dims.ScrollHeight)
		assert.Equal(t, 1280, dims.ScrollWidth)
		assert.Equal(t, 3000, dims.CaptureHeight, "scrolling documents are reachable to maxScrollY+viewport")
	})

	t.Run("element extent extends the bound", func(t *testing.T) {
		s := schemas.SizeSignals{BodyScrollHeight: 2000, RootScrollWidth: 1280}
		dims := Reconcile(s, schemas.Extent{Right: 1500, Bottom: 2600}, vp, 1600, 20)

		assert.Equal(t, 2620, dims.ScrollHeight)
		assert.Equal(t, 1500, dims.ScrollWidth)
		assert.Equal(t, 2600, dims.CaptureHeight)
	})

	t.Run("short page is clamped but keeps its content height", func(t *testing.T) {
		s := schemas.SizeSignals{BodyScrollHeight: 800, BodyOffsetHeight: 800, RootClientHeight: 1000, RootScrollHeight: 1000}
		dims := Reconcile(s, schemas.Extent{Bottom: 790}, vp, 0, 20)

		assert.Equal(t, 1020, dims.ScrollHeight)
		assert.Equal(t, 1280, dims.ScrollWidth, "width never drops below the viewport")
		assert.Equal(t, 800, dims.CaptureHeight)
	})

	t.Run("empty readings fall back to the viewport", func(t *testing.T) {
		dims := Reconcile(schemas.SizeSignals{}, schemas.Extent{}, vp, 0, 0)
		assert.Equal(t, schemas.PageDimensions{ScrollWidth: 1280, ScrollHeight: 1000, CaptureHeight: 1000}, dims)
	})
}

func TestMerge(t *testing.T) {
	a := schemas.SizeSignals{BodyScrollHeight: 100, RootScrollWidth: 50}
	b := schemas.SizeSignals{BodyScrollHeight: 80, RootScrollWidth: 70, RootClientHeight: 10}
	m := Merge(a, b)
	assert.Equal(t, 100, m.BodyScrollHeight)
	assert.Equal(t, 70, m.RootScrollWidth)
	assert.Equal(t, 10, m.RootClientHeight)
}

func TestProbeMeasure(t *testing.T) {
	t.Run("measures a tall page and restores scroll", func(t *testing.T) {
		page := fakepage.New(1280, 1000, 3000)
		page.InitialScrollY = 450

		dims, err := newProbe(t).Measure(context.Background(), page)
		require.NoError(t, err)

		assert.Equal(t, 3020, dims.ScrollHeight)
		assert.Equal(t, 3000, dims.CaptureHeight)
		assert.Equal(t, 450, page.CurrentScrollY())
		assert.Contains(t, page.Events(), "scroll:3000->2000", "scans extents from the bottom")
	})

	t.Run("content loaded at the bottom is counted", func(t *testing.T) {
		page := fakepage.New(1280, 1000, 3000)
		page.BottomGrowth = []int{500}

		dims, err := newProbe(t).Measure(context.Background(), page)
		require.NoError(t, err)
		assert.Equal(t, 3520, dims.ScrollHeight)
		assert.Equal(t, 3500, dims.CaptureHeight)
	})

	t.Run("short page", func(t *testing.T) {
		page := fakepage.New(1280, 1000, 800)
		dims, err := newProbe(t).Measure(context.Background(), page)
		require.NoError(t, err)
		assert.Equal(t, 800, dims.CaptureHeight)
		assert.Equal(t, 1020, dims.ScrollHeight)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		page := fakepage.New(1280, 1000, 3000)
		page.InitialScrollY = 100

		_, err := newProbe(t).Measure(ctx, page)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
