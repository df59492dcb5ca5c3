// -- cmd/capture.go --
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/browser"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/ctxutil"
	"github.com/xkilldash9x/pagestitch/internal/observability"
	"github.com/xkilldash9x/pagestitch/internal/orchestrator"
)

// settingsFlags override capture.defaults for one run.
type settingsFlags struct {
	format        string
	quality       int
	retina        bool
	includeSticky bool
	autoExpand    bool
	devOverlay    bool
}

func (f *settingsFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.format, "format", "f", "png", "output format: png or jpeg")
	fs.IntVarP(&f.quality, "quality", "q", 90, "JPEG quality (1-100)")
	fs.BoolVar(&f.retina, "retina", false, "render at twice the CSS resolution")
	fs.BoolVar(&f.includeSticky, "include-sticky", true, "keep fixed and sticky elements visible")
	fs.BoolVar(&f.autoExpand, "auto-expand", false, "click \"show more\" controls and load lazy content first")
	fs.BoolVar(&f.devOverlay, "dev-overlay", false, "draw a diagnostic grid and element outlines")
}

// apply returns defaults with every explicitly set flag applied.
func (f *settingsFlags) apply(fs *pflag.FlagSet, defaults schemas.CaptureConfiguration) (schemas.CaptureConfiguration, error) {
	s := defaults
	if fs.Changed("format") {
		switch strings.ToLower(f.format) {
		case "png", "jpeg", "jpg":
			s.OutputFormat = schemas.ParseOutputFormat(f.format)
		default:
			return s, fmt.Errorf("unsupported format %q: use png or jpeg", f.format)
		}
	}
	if fs.Changed("quality") {
		if f.quality < 1 || f.quality > 100 {
			return s, fmt.Errorf("quality must be between 1 and 100, got %d", f.quality)
		}
		s.JPEGQuality = f.quality
	}
	if fs.Changed("retina") {
		s.RetinaQuality = f.retina
	}
	if fs.Changed("include-sticky") {
		s.IncludeSticky = f.includeSticky
	}
	if fs.Changed("auto-expand") {
		s.AutoExpand = f.autoExpand
	}
	if fs.Changed("dev-overlay") {
		s.DeveloperOverlay = f.devOverlay
	}
	return s.Normalized(), nil
}

func parseMode(s string) (schemas.CaptureMode, error) {
	switch mode := schemas.CaptureMode(strings.ToLower(s)); mode {
	case "", schemas.ModeFullPage:
		return schemas.ModeFullPage, nil
	case schemas.ModeVisible, schemas.ModeElement, schemas.ModeConversation:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown mode %q: use full, visible, element or conversation", s)
	}
}

// newCaptureCmd creates and configures the `capture` command.
func newCaptureCmd() *cobra.Command {
	var (
		settings  settingsFlags
		mode      string
		selector  string
		output    string
		links     bool
		thumbnail bool
	)

	captureCmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Capture a web page as one image",
		Long: `Loads the URL in a headless browser and captures it.

The default mode scrolls the whole page and stitches the viewports together.
"visible" grabs the current viewport only, "element" crops the page to the
element matched by --selector and "conversation" expands collapsed threads first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			if m == schemas.ModeElement && selector == "" {
				return fmt.Errorf("--selector is required for element captures")
			}
			s, err := settings.apply(cmd.Flags(), cfg.Capture.Defaults)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("thumbnail") {
				thumbnail = cfg.Capture.Thumbnail
			}

			orch, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			mgr, stop, err := startBrowser(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stop()

			page, err := mgr.OpenPage(ctx, normalizeURL(args[0]))
			if err != nil {
				return err
			}
			defer closePage(ctx, page, logger)

			res := orch.Capture(ctx, schemas.CaptureRequest{
				Page:         page,
				Settings:     s,
				Mode:         m,
				Selector:     selector,
				CollectLinks: links,
			})
			if !res.Success {
				fmt.Fprintf(cmd.ErrOrStderr(), "Hint: %s\n", res.Hint)
				return fmt.Errorf("capture failed (%s): %s", res.ErrorKind, res.Message)
			}

			w := newResultWriter(cfg.Capture, logger, orch.Stitcher())
			files, err := w.write(cmd.OutOrStdout(), res, string(m), output, thumbnail)
			if err != nil {
				return err
			}
			if output != "-" {
				fmt.Fprintln(cmd.OutOrStdout(), summarize(files.Image, res))
				if files.Links != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Links: %s (%d)\n", files.Links, len(res.Links))
				}
				if files.Thumbnail != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Thumbnail: %s\n", files.Thumbnail)
				}
			}
			return nil
		},
	}

	settings.register(captureCmd.Flags())
	captureCmd.Flags().StringVarP(&mode, "mode", "m", "full", "capture mode: full, visible, element or conversation")
	captureCmd.Flags().StringVarP(&selector, "selector", "s", "", "CSS selector of the element to capture (element mode)")
	captureCmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory, - for stdout (default: capture.output_dir)")
	captureCmd.Flags().BoolVar(&links, "links", false, "also write every link on the page to a JSON file")
	captureCmd.Flags().BoolVar(&thumbnail, "thumbnail", false, "also write a thumbnail")
	return captureCmd
}

// startBrowser launches the browser. The returned func shuts it down.
func startBrowser(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*browser.Manager, func(), error) {
	mgr, err := browser.NewManager(ctx, logger, cfg.Browser)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return mgr, func() {
		sctx, cancel := ctxutil.ForCleanup(ctx, 10*time.Second)
		defer cancel()
		if err := mgr.Shutdown(sctx); err != nil {
			logger.Warn("Browser did not shut down cleanly.", zap.Error(err))
		}
	}, nil
}

func closePage(ctx context.Context, page *browser.Session, logger *zap.Logger) {
	cctx, cancel := ctxutil.ForCleanup(ctx, 5*time.Second)
	defer cancel()
	if err := page.Close(cctx); err != nil {
		logger.Warn("Failed to close page.", zap.String("page", page.ID()), zap.Error(err))
	}
}

// normalizeURL adds https:// to bare hosts.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "about:") || strings.HasPrefix(raw, "data:") {
		return raw
	}
	return "https://" + raw
}

func summarize(path string, res schemas.CaptureResult) string {
	line := fmt.Sprintf("Saved %s (%dx%d %s, %d tiles, %.1f%% coverage, %s)",
		path, res.Width, res.Height, res.Format, res.Tiles, res.Coverage*100, res.Duration.Round(time.Millisecond))
	if res.Degraded {
		line += " [degraded: only the first viewport could be captured]"
	}
	return line
}
