// -- cmd/devices.go --
package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagestitch/api/schemas"
	"github.com/xkilldash9x/pagestitch/internal/config"
	"github.com/xkilldash9x/pagestitch/internal/observability"
	"github.com/xkilldash9x/pagestitch/internal/orchestrator"
)

// newDevicesCmd creates the `devices` command, which captures one URL under
// several device presets in parallel tabs.
func newDevicesCmd() *cobra.Command {
	var (
		settings  settingsFlags
		names     []string
		outputDir string
		bundle    string
	)

	devicesCmd := &cobra.Command{
		Use:   "devices <url>",
		Short: "Capture a web page under several device presets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			devices, err := selectDevices(cfg, names)
			if err != nil {
				return err
			}
			s, err := settings.apply(cmd.Flags(), cfg.Capture.Defaults)
			if err != nil {
				return err
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

			target := normalizeURL(args[0])
			open := func(ctx context.Context) (schemas.Page, func(), error) {
				page, err := mgr.OpenPage(ctx, target)
				if err != nil {
					return nil, nil, err
				}
				return page, func() { closePage(ctx, page, logger) }, nil
			}

			req := schemas.CaptureRequest{Settings: s, Mode: schemas.ModeFullPage}
			results, err := orch.CaptureDevices(ctx, open, req, devices)
			if err != nil {
				return err
			}

			if bundle != "" {
				if err := writeBundle(bundle, results); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bundle: %s\n", bundle)
			} else {
				captureCfg := cfg.Capture
				if outputDir != "" {
					captureCfg.OutputDir = outputDir
				}
				w := newResultWriter(captureCfg, logger, orch.Stitcher())
				for i, r := range results {
					if !r.Result.Success {
						continue
					}
					files, err := w.write(cmd.OutOrStdout(), r.Result, r.Device.Name, "", false)
					if err != nil {
						return err
					}
					results[i].Result.EncodedImage = nil
					logger.Debug("Wrote device capture.", zap.String("device", r.Device.Name), zap.String("path", files.Image))
				}
			}

			failed := printDeviceTable(cmd, results)
			if failed > 0 {
				return fmt.Errorf("%d of %d device captures failed", failed, len(results))
			}
			return nil
		},
	}

	settings.register(devicesCmd.Flags())
	devicesCmd.Flags().StringSliceVarP(&names, "device", "d", nil, "device presets to capture (default: all configured)")
	devicesCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for the images (default: capture.output_dir)")
	devicesCmd.Flags().StringVar(&bundle, "zip", "", "write all images into this zip archive instead")
	return devicesCmd
}

// selectDevices resolves preset names against the config; no names means all.
func selectDevices(cfg *config.Config, names []string) ([]schemas.Device, error) {
	if len(names) == 0 {
		if len(cfg.Devices) == 0 {
			return nil, fmt.Errorf("no device presets configured")
		}
		return cfg.Devices, nil
	}
	devices := make([]schemas.Device, 0, len(names))
	for _, name := range names {
		d, ok := cfg.Device(strings.TrimSpace(name))
		if !ok {
			known := make([]string, 0, len(cfg.Devices))
			for _, k := range cfg.Devices {
				known = append(known, k.Name)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown device %q (known: %s)", name, strings.Join(known, ", "))
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func printDeviceTable(cmd *cobra.Command, results []orchestrator.DeviceResult) int {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tVIEWPORT\tIMAGE\tTILES\tSTATUS")
	failed := 0
	for _, r := range results {
		d := r.Device
		viewport := fmt.Sprintf("%dx%d@%g", d.Width, d.Height, d.Scale)
		if r.Result.Success {
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%d\tok\n", d.Name, viewport, r.Result.Width, r.Result.Height, r.Result.Tiles)
			continue
		}
		failed++
		fmt.Fprintf(tw, "%s\t%s\t-\t-\t%s: %s\n", d.Name, viewport, r.Result.ErrorKind, r.Result.Message)
	}
	tw.Flush()
	return failed
}
