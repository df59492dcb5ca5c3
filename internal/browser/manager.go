// Package browser drives a headless Chromium over the DevTools protocol and
// exposes its tabs as capture pages.
package browser

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/internal/config"
)

// Manager owns the browser process. Every Session is a tab of that process.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process; browserCtx is its first tab,
	// which keeps the process alive for as long as the manager lives.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser and checks that it responds.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	if err := m.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launch(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.allocatorOptions()...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	probeCtx, cancel := context.WithTimeout(m.browserCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// allocatorFlags returns the command line flags for the browser process.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
		"disable-gpu":               cfg.Headless,
		"hide-scrollbars":           true,
		"mute-audio":                true,
	}
	if cfg.DeviceScaleFactor > 0 {
		flags["force-device-scale-factor"] = fmt.Sprintf("%g", cfg.DeviceScaleFactor)
	}

	// Flags from config.yaml win over the defaults.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers (Docker on Linux) need the sandbox off.
	if goruntime.GOOS == "linux" {
		for _, name := range []string{"no-sandbox", "disable-dev-shm-usage", "disable-setuid-sandbox"} {
			if _, set := flags[name]; !set {
				flags[name] = true
			}
		}
	}
	return flags
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := allocatorFlags(m.cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	w, h := m.cfg.ViewportSize()
	return append(opts, chromedp.WindowSize(w, h))
}

// NewPage opens a blank tab.
func (m *Manager) NewPage(ctx context.Context) (*Session, error) {
	if m.browserCtx == nil || m.browserCtx.Err() != nil {
		return nil, fmt.Errorf("browser is not running")
	}
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	// The first Run attaches the tab.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	s := newSession(tabCtx, cancel, m.logger, m.cfg)
	m.track(s)
	return s, nil
}

// OpenPage opens a tab and navigates it to url.
func (m *Manager) OpenPage(ctx context.Context, url string) (*Session, error) {
	s, err := m.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Navigate(ctx, url); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// track registers s so Shutdown waits for it.
func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.wg.Add(1)

	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	}
}

// Shutdown closes every remaining tab, waits for them (bounded by ctx) and
// terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions to complete...")

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		_ = s.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down main browser process...")
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
