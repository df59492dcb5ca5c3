// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// -- Capture Primitive Mock --

// MockCapturePrimitive mocks the schemas.CapturePrimitive interface.
type MockCapturePrimitive struct {
	mock.Mock
}

func (m *MockCapturePrimitive) Capture(ctx context.Context, opts schemas.CaptureOptions) ([]byte, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// -- Page Mock --

// MockPage mocks the schemas.Page interface. Primitive returns CapturePrimitive
// when set, so tests only need to stub the page calls they care about.
type MockPage struct {
	mock.Mock
	CapturePrimitive schemas.CapturePrimitive
}

func (m *MockPage) ID() string { return m.Called().String(0) }

func (m *MockPage) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockPage) Primitive() schemas.CapturePrimitive {
	if m.CapturePrimitive != nil {
		return m.CapturePrimitive
	}
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(schemas.CapturePrimitive)
}

func (m *MockPage) Viewport(ctx context.Context) (schemas.Viewport, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Viewport), args.Error(1)
}

func (m *MockPage) ScrollPosition(ctx context.Context) (schemas.ScrollPosition, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.ScrollPosition), args.Error(1)
}

func (m *MockPage) ScrollTo(ctx context.Context, x, y int) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockPage) ScrollBehavior(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) SetScrollBehavior(ctx context.Context, value string) error {
	return m.Called(ctx, value).Error(0)
}

func (m *MockPage) SizeSignals(ctx context.Context) (schemas.SizeSignals, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.SizeSignals), args.Error(1)
}

func (m *MockPage) ElementExtent(ctx context.Context) (schemas.Extent, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Extent), args.Error(1)
}

func (m *MockPage) ClickVisible(ctx context.Context, matchers []schemas.Matcher) (int, error) {
	args := m.Called(ctx, matchers)
	return args.Int(0), args.Error(1)
}

func (m *MockPage) DispatchLayoutEvents(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) WaitForImages(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockPage) HideFixedElements(ctx context.Context, extra []schemas.Matcher) (int, error) {
	args := m.Called(ctx, extra)
	return args.Int(0), args.Error(1)
}

func (m *MockPage) RestoreHiddenElements(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) AddDiagnosticOverlay(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) RemoveDiagnosticOverlay(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) ResetStyles(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockPage) ElementRect(ctx context.Context, selector string) (schemas.Rect, error) {
	args := m.Called(ctx, selector)
	return args.Get(0).(schemas.Rect), args.Error(1)
}

func (m *MockPage) Links(ctx context.Context) ([]schemas.Link, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Link), args.Error(1)
}

// -- Emulating Page Mock --

// MockEmulatingPage is a MockPage that also supports device emulation.
type MockEmulatingPage struct {
	MockPage
}

func (m *MockEmulatingPage) Emulate(ctx context.Context, device schemas.Device) error {
	return m.Called(ctx, device).Error(0)
}

func (m *MockEmulatingPage) ClearEmulation(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
