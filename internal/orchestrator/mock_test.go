package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/mocks"
	"github.com/xkilldash9x/pagestitch/internal/testing/fakepage"
)

func newMockPage(primitive schemas.CapturePrimitive, cleanupErr error) *mocks.MockPage {
	page := &mocks.MockPage{CapturePrimitive: primitive}
	page.On("ID").Return("mock-tab")
	page.On("Ping", mock.Anything).Return(nil)
	page.On("RemoveDiagnosticOverlay", mock.Anything).Return(cleanupErr)
	page.On("ResetStyles", mock.Anything).Return(nil)
	return page
}

func TestVisibleCaptureWithMocks(t *testing.T) {
	ctx := context.Background()

	t.Run("cleanup failures are logged, not returned", func(t *testing.T) {
		png, err := fakepage.Encode(fakepage.Render(0, 10, 12, 1, 0), schemas.FormatPNG, 0)
		require.NoError(t, err)

		primitive := new(mocks.MockCapturePrimitive)
		primitive.On("Capture", mock.Anything, mock.AnythingOfType("schemas.CaptureOptions")).Return(png, nil).Once()
		page := newMockPage(primitive, errors.New("document is gone"))

		core, logs := observer.New(zap.WarnLevel)
		cfg := testConfig()
		o, err := New(cfg, zap.New(core))
		require.NoError(t, err)

		res := o.CaptureVisible(ctx, request(page, cfg))
		require.True(t, res.Success, res.Message)
		assert.Equal(t, 12, res.Width)
		assert.Equal(t, 10, res.Height)
		assert.Equal(t, schemas.FormatPNG, res.Format)

		assert.Equal(t, 1, logs.FilterMessage("Failed to clear leftover page state.").Len())
		assert.Equal(t, 1, logs.FilterMessage("Cleanup after capture failed.").Len())
		primitive.AssertExpectations(t)
		page.AssertNumberOfCalls(t, "ResetStyles", 2)
	})

	t.Run("permission denial is not retried", func(t *testing.T) {
		primitive := new(mocks.MockCapturePrimitive)
		primitive.On("Capture", mock.Anything, mock.Anything).
			Return(nil, schemas.Errorf(schemas.KindPermission, "capture", "chrome:// pages cannot be captured"))
		page := newMockPage(primitive, nil)

		cfg := testConfig()
		o := newTestOrchestrator(t, cfg)
		res := o.CaptureVisible(ctx, request(page, cfg))
		assert.Equal(t, schemas.KindPermission, res.ErrorKind)
		assert.Equal(t, schemas.HintFor(schemas.KindPermission), res.Hint)
		primitive.AssertNumberOfCalls(t, "Capture", 1)
	})

	t.Run("undecodable capture", func(t *testing.T) {
		primitive := new(mocks.MockCapturePrimitive)
		primitive.On("Capture", mock.Anything, mock.Anything).Return([]byte("not an image"), nil)
		page := newMockPage(primitive, nil)

		cfg := testConfig()
		o := newTestOrchestrator(t, cfg)
		res := o.CaptureVisible(ctx, request(page, cfg))
		assert.Equal(t, schemas.KindStitchEncoding, res.ErrorKind)
	})
}

func TestCaptureDeviceEmulationFailure(t *testing.T) {
	page := &mocks.MockEmulatingPage{}
	page.On("ID").Return("mock-tab")
	page.On("Ping", mock.Anything).Return(nil)
	page.On("Emulate", mock.Anything, mock.Anything).Return(errors.New("Emulation.setDeviceMetricsOverride failed"))

	cfg := testConfig()
	o := newTestOrchestrator(t, cfg)
	res := o.CaptureDevice(context.Background(), request(page, cfg), schemas.Device{Name: "tablet", Width: 768, Height: 1024})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "emulating tablet")
	page.AssertNotCalled(t, "ClearEmulation", mock.Anything)
	page.AssertCalled(t, "Ping", mock.Anything)
	page.AssertNotCalled(t, "ResetStyles", mock.Anything)
}
