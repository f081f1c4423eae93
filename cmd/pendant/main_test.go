package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/pendant/internal/config"
	"github.com/MrWong99/pendant/internal/resilience"
	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/peripheral"
	peripheralmock "github.com/MrWong99/pendant/pkg/peripheral/mock"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	sttmock "github.com/MrWong99/pendant/pkg/provider/stt/mock"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	names := reg.Names()
	want := map[string][]string{
		"live":      {"deepgram"},
		"batch":     {"deepgram", "whisper"},
		"transport": {"ble"},
	}
	for kind, w := range want {
		if !slices.Equal(names[kind], w) {
			t.Errorf("%s providers = %v, want %v", kind, names[kind], w)
		}
	}
}

func mockRegistry(batchErr error) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterTransport(config.TransportBLE, func(config.DeviceConfig) (peripheral.Transport, error) {
		return &peripheralmock.Transport{}, nil
	})
	reg.RegisterLive("deepgram", func(config.ProviderEntry) (stt.LiveProvider, error) {
		return &sttmock.LiveProvider{}, nil
	})
	for _, name := range []string{"deepgram", "whisper"} {
		reg.RegisterBatch(name, func(config.ProviderEntry) (stt.BatchProvider, error) {
			if batchErr != nil {
				return nil, batchErr
			}
			return &sttmock.BatchProvider{}, nil
		})
	}
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	t.Run("single batch provider is used directly", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Transcription.Live = config.ProviderEntry{Name: "deepgram"}
		cfg.Transcription.Batch = []config.ProviderEntry{{Name: "whisper"}}

		ps, err := buildProviders(cfg, mockRegistry(nil))
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		if ps.Transport == nil || ps.Live == nil || ps.LiveName != "deepgram" {
			t.Errorf("providers = %+v", ps)
		}
		if _, ok := ps.Batch.(*sttmock.BatchProvider); !ok || ps.BatchName != "whisper" {
			t.Errorf("batch = %T %q, want the mock itself", ps.Batch, ps.BatchName)
		}
	})

	t.Run("several batch providers are chained", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Transcription.Batch = []config.ProviderEntry{{Name: "deepgram"}, {Name: "whisper"}, {Name: "unknown"}}

		ps, err := buildProviders(cfg, mockRegistry(nil))
		if err != nil {
			t.Fatalf("buildProviders: %v", err)
		}
		fb, ok := ps.Batch.(*resilience.BatchFallback)
		if !ok {
			t.Fatalf("batch = %T, want *resilience.BatchFallback", ps.Batch)
		}
		if got := fb.Names(); !slices.Equal(got, []string{"deepgram", "whisper"}) {
			t.Errorf("fallback order = %v", got)
		}
		if ps.Live != nil {
			t.Error("live provider created without configuration")
		}
	})

	t.Run("factory error is fatal", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Transcription.Batch = []config.ProviderEntry{{Name: "deepgram"}}
		boom := errors.New("missing api key")

		if _, err := buildProviders(cfg, mockRegistry(boom)); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	})
}

func TestInspectCmd(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recording-2025-03-01T13-05-10-000Z.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(make([]int16, 8000), 16000), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	want := "recording-2025-03-01T13-05-10-000Z.wav: 16000 Hz, 1 ch, 16-bit, 8000 samples, 500ms\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestInspectCmd_InvalidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "broken.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", path})
	if err := cmd.Execute(); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err = %v, want ErrInvalidWAV", err)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "pendant ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Transcription.Batch = []config.ProviderEntry{{Name: "deepgram", Model: "nova-3"}, {Name: "whisper"}}

	var out bytes.Buffer
	printStartupSummary(&out, cfg)
	s := out.String()
	for _, want := range []string{"deepgram / nova-3", "fallback", "whisper", "pcm16 @ 16000 Hz", "(not configured)"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
