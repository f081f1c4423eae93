package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/pendant/internal/app"
	"github.com/MrWong99/pendant/internal/config"
	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/pkg/peripheral"
	"github.com/MrWong99/pendant/pkg/peripheral/ble"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/stt/deepgram"
	"github.com/MrWong99/pendant/pkg/provider/stt/whisper"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transport ─────────────────────────────────────────────────────────────
	reg.RegisterTransport(config.TransportBLE, func(config.DeviceConfig) (peripheral.Transport, error) {
		return ble.New(), nil
	})

	// ── Live ──────────────────────────────────────────────────────────────────
	reg.RegisterLive("deepgram", func(entry config.ProviderEntry) (stt.LiveProvider, error) {
		p, err := newDeepgram(entry)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Batch ─────────────────────────────────────────────────────────────────
	reg.RegisterBatch("deepgram", func(entry config.ProviderEntry) (stt.BatchProvider, error) {
		p, err := newDeepgram(entry)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// whisper talks to a self-hosted whisper.cpp server; BaseURL is its address.
	reg.RegisterBatch("whisper", func(entry config.ProviderEntry) (stt.BatchProvider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if rms, ok := entry.OptFloat("silence_rms"); ok {
			opts = append(opts, whisper.WithSilenceThreshold(rms))
		}
		p, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

func newDeepgram(entry config.ProviderEntry) (*deepgram.Provider, error) {
	var opts []deepgram.Option
	if entry.Model != "" {
		opts = append(opts, deepgram.WithModel(entry.Model))
	}
	if m := entry.OptString("batch_model"); m != "" {
		opts = append(opts, deepgram.WithBatchModel(m))
	}
	if lang := entry.OptString("language"); lang != "" {
		opts = append(opts, deepgram.WithLanguage(lang))
	}
	if entry.BaseURL != "" {
		opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
	}
	return deepgram.New(entry.APIKey, opts...)
}

// buildProviders instantiates everything named in cfg using the registry.
// Several batch entries are chained behind circuit breakers in the listed
// order.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	tr, err := reg.CreateTransport(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", cfg.Device.Transport, err)
	}
	ps.Transport = tr

	if entry := cfg.Transcription.Live; entry.Name != "" {
		p, err := reg.CreateLive(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("live provider not available, live transcription disabled", "name", entry.Name)
		} else if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", entry.Name, err)
		} else {
			ps.Live, ps.LiveName = p, entry.Name
			slog.Info("provider created", "kind", "live", "name", entry.Name)
		}
	}

	var fallback *resilience.BatchFallback
	for _, entry := range cfg.Transcription.Batch {
		p, err := reg.CreateBatch(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("batch provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create batch provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "batch", "name", entry.Name)
		switch {
		case ps.Batch == nil:
			ps.Batch, ps.BatchName = p, entry.Name
		case fallback == nil:
			fallback = resilience.NewBatchFallback(ps.Batch, ps.BatchName, resilience.FallbackConfig{})
			fallback.AddFallback(entry.Name, p)
			ps.Batch = fallback
		default:
			fallback.AddFallback(entry.Name, p)
		}
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         pendant startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Transport", string(cfg.Device.Transport))
	printRow(w, "Codec", fmt.Sprintf("%s @ %d Hz", cfg.Device.Codec, cfg.Audio.SampleRate))
	printRow(w, "Segment", cfg.Audio.SegmentDuration.String())
	printRow(w, "Live", providerLabel(cfg.Transcription.Live))
	if len(cfg.Transcription.Batch) == 0 {
		printRow(w, "Batch", "(not configured)")
	}
	for i, entry := range cfg.Transcription.Batch {
		kind := "Batch"
		if i > 0 {
			kind = "  fallback"
		}
		printRow(w, kind, providerLabel(entry))
	}
	printRow(w, "Language", cfg.Transcription.Language)
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	switch {
	case entry.Name == "":
		return "(not configured)"
	case entry.Model != "":
		return entry.Name + " / " + entry.Model
	default:
		return entry.Name
	}
}

func printRow(w io.Writer, kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}
