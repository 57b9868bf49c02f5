package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/pdf"
	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/surface"
)

// newRenderCmd creates the render subcommand.
func newRenderCmd() *cobra.Command {
	var (
		scale     float64
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "render <pdf>",
		Short: "Render every page of a PDF to PNG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := NewUI(outputJSON, noColor)
			pdfPath := args[0]

			if scale < cfg.Viewport.MinScale || scale > cfg.Viewport.MaxScale {
				return fmt.Errorf("scale %.2f outside [%.2f, %.2f]", scale, cfg.Viewport.MinScale, cfg.Viewport.MaxScale)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := pdf.NewValidator(cfg.Upload.MaxBytes).ValidatePDFPath(pdfPath); err != nil {
				return err
			}

			doc, err := pdf.NewLoader(cfg.Upload.MaxBytes, logger).Open(ctx, pdf.Source{Path: pdfPath})
			if err != nil {
				return err
			}
			defer doc.Close()

			scheduler, closeCache, err := newScheduler(ctx)
			if err != nil {
				return err
			}
			defer closeCache()
			// Pages must not be rasterized after the document is closed
			defer func() { _ = scheduler.Wait(context.Background()) }()

			if outputDir == "" {
				outputDir = strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath)) + "-pages"
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			pages := doc.PageCount()
			ui.Step("Rendering %d pages of %s at %.0f%%", pages, filepath.Base(pdfPath), scale*100)
			bar := ui.ProgressBar(pages, "rendering")

			startTime := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < pages; i++ {
				g.Go(func() error {
					path, err := renderPage(gctx, scheduler, doc, i, scale, outputDir)
					if err != nil {
						return err
					}
					logger.Debug().Page(i+1).Str("path", path).Msg("Page written")
					if bar != nil {
						_ = bar.Add(1)
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				ui.Error("Rendering failed: %v", err)
				return err
			}

			stats := scheduler.Stats()
			ui.Success("Wrote %d pages to %s in %v (%d from cache)",
				pages, outputDir, time.Since(startTime).Round(time.Millisecond), stats.CacheHits)
			return nil
		},
	}

	cmd.Flags().Float64VarP(&scale, "scale", "s", 1.0, "render scale (1.0 = 72 DPI)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: <input-name>-pages)")
	return cmd
}

// renderPage renders one page through the scheduler and writes it as PNG.
func renderPage(ctx context.Context, scheduler *render.Scheduler, doc domain.Document, index int, scale float64, dir string) (string, error) {
	canvas := surface.NewCanvas()
	task := scheduler.Render(ctx, domain.RenderRequest{Document: doc, PageIndex: index, Scale: scale}, canvas)
	if err := task.Wait(ctx); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("page-%03d.png", index+1))
	f, err := os.Create(path)
	if err != nil {
		return "", domain.IOError("create page file", err)
	}
	defer f.Close()

	if err := png.Encode(f, task.Bitmap()); err != nil {
		return "", domain.IOError("encode page", err)
	}
	return path, f.Close()
}
