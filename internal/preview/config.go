package preview

import (
	"github.com/spherical/scholarlens/internal/config"
	"github.com/spherical/scholarlens/internal/observability"
	"github.com/spherical/scholarlens/internal/render"
	"github.com/spherical/scholarlens/internal/viewport"
)

// ViewportOptions maps the viewport section of the configuration.
func ViewportOptions(cfg config.ViewportConfig) viewport.Options {
	return viewport.Options{
		InitialScale:   cfg.InitialScale,
		MinScale:       cfg.MinScale,
		MaxScale:       cfg.MaxScale,
		ButtonMinScale: cfg.ButtonMinScale,
		WheelStep:      cfg.WheelStep,
		ButtonStep:     cfg.ButtonStep,
		Debounce:       cfg.Debounce,
	}
}

// RenderOptions maps the render and cache sections. The cache client itself
// is left to the caller.
func RenderOptions(cfg *config.Config) render.Options {
	return render.Options{
		MaxConcurrent: cfg.Render.MaxConcurrent,
		BandHeight:    cfg.Render.BandHeight,
		CacheTTL:      cfg.Cache.TTL,
	}
}

// OptionsFromConfig builds view options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger *observability.Logger) Options {
	return Options{
		Viewport: ViewportOptions(cfg.Viewport),
		Render:   RenderOptions(cfg),
		PageGap:  cfg.Render.PageGap,
		MaxBytes: cfg.Upload.MaxBytes,
		Logger:   logger,
	}
}
