package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/spherical/scholarlens/internal/analysis"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/pdf"
)

// newAnalyzeCmd creates the analyze subcommand.
func newAnalyzeCmd() *cobra.Command {
	var (
		outputPath string
		imagePath  string
	)

	cmd := &cobra.Command{
		Use:   "analyze <pdf>",
		Short: "Stream an AI analysis of a paper and draw its methodology",
		Long: `Analyze sends the paper to the configured model, streams the structured
analysis to stdout and, in parallel, generates a methodology diagram.

Requires OPENROUTER_API_KEY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := NewUI(outputJSON, noColor)
			pdfPath := args[0]

			analyzer := newAnalyzer()
			if analyzer == nil {
				return domain.ConfigError("OPENROUTER_API_KEY environment variable not set", nil)
			}

			validator := pdf.NewValidator(cfg.Upload.MaxBytes)
			if err := validator.ValidatePDFPath(pdfPath); err != nil {
				return err
			}
			data, err := os.ReadFile(pdfPath)
			if err != nil {
				return domain.IOError("read PDF", err)
			}
			file := domain.FileData{
				Name: filepath.Base(pdfPath),
				Type: "application/pdf",
				Size: int64(len(data)),
				Data: data,
			}
			if err := validator.ValidateUpload(file); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := analysis.NewSession(analyzer, logger)
			_, events, cancel := session.Subscribe()
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- session.Run(ctx, file)
			}()

			ui.Step("Analyzing %s", file.Name)
			var spin interface{ Stop() }
			for event := range events {
				switch event.Type {
				case domain.EventAnalysisChunk:
					if chunk, ok := event.Payload.(string); ok && !outputJSON {
						fmt.Print(chunk)
					}
				case domain.EventAnalysisComplete:
					if !outputJSON {
						fmt.Println()
					}
					ui.Success("Analysis complete")
					if session.Snapshot().Illustration.Status == domain.StatusAnalyzing {
						if s := ui.Spinner("Generating methodology illustration..."); s != nil {
							s.Start()
							spin = s
						}
					}
				case domain.EventIllustrationComplete:
					if spin != nil {
						spin.Stop()
						spin = nil
					}
					ui.Success("Illustration generated")
				case domain.EventError:
					if spin != nil {
						spin.Stop()
						spin = nil
					}
					ui.Error("%v", event.Payload)
				}
			}
			if spin != nil {
				spin.Stop()
			}

			runErr := <-errCh
			snap := session.Snapshot()

			if outputPath != "" && snap.Analysis.Text != "" {
				if err := os.WriteFile(outputPath, []byte(snap.Analysis.Text), 0o644); err != nil {
					return domain.IOError("write analysis", err)
				}
				ui.Success("Analysis written to %s", outputPath)
			}

			if img, mimeType, ok := session.Illustration(); ok {
				path := imagePath
				if path == "" {
					path = strings.TrimSuffix(file.Name, filepath.Ext(file.Name)) + "-methodology" + imageExtension(mimeType)
				}
				if err := os.WriteFile(path, img, 0o644); err != nil {
					return domain.IOError("write illustration", err)
				}
				ui.Success("Illustration written to %s", path)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(snap)
			}

			return runErr
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the analysis markdown to a file")
	cmd.Flags().StringVar(&imagePath, "image", "", "illustration output path (default: <input-name>-methodology.<ext>)")
	return cmd
}

// imageExtension maps an image MIME type to a file extension.
func imageExtension(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".png"
}
