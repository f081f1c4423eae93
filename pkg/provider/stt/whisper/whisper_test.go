package whisper_test

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/pendant/pkg/audio"
	"github.com/MrWong99/pendant/pkg/provider/stt"
	"github.com/MrWong99/pendant/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type inferenceRequest struct {
	language string
	model    string
	format   string
	fileSize int
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and records each request's form fields.
func newMockServer(t *testing.T, responseText string, calls *atomic.Int32, last *inferenceRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Close()
		if last != nil {
			*last = inferenceRequest{
				language: r.FormValue("language"),
				model:    r.FormValue("model"),
				format:   r.FormValue("response_format"),
				fileSize: int(hdr.Size),
			}
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// speechWAV returns a 440 Hz sine clip well above the silence threshold.
func speechWAV(samples int) []byte {
	const amplitude = 10_000.0
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.EncodeWAV(pcm, 16000)
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_SendsClip(t *testing.T) {
	var calls atomic.Int32
	var last inferenceRequest
	srv := newMockServer(t, "  hello there ", &calls, &last)

	p, err := whisper.New(srv.URL+"/", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatal(err)
	}

	wav := speechWAV(1600)
	text, err := p.Transcribe(t.Context(), wav, stt.BatchOptions{Language: "hi"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if last.language != "hi" || last.model != "base.en" || last.format != "json" {
		t.Errorf("form = %+v", last)
	}
	if last.fileSize != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", last.fileSize, len(wav))
	}
}

func TestTranscribe_DefaultLanguageIsAuto(t *testing.T) {
	var last inferenceRequest
	srv := newMockServer(t, "x", nil, &last)
	p, _ := whisper.New(srv.URL)

	if _, err := p.Transcribe(t.Context(), speechWAV(800), stt.BatchOptions{}); err != nil {
		t.Fatal(err)
	}
	if last.language != "auto" {
		t.Errorf("language = %q, want auto", last.language)
	}
}

func TestTranscribe_SilenceSkipsServer(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "should not be used", &calls, nil)
	p, _ := whisper.New(srv.URL)

	silent := audio.EncodeWAV(make([]int16, 16000), 16000)
	_, err := p.Transcribe(t.Context(), silent, stt.BatchOptions{})
	if !errors.Is(err, stt.ErrNoTranscript) {
		t.Fatalf("err = %v, want ErrNoTranscript", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times for a silent clip", calls.Load())
	}

	p, _ = whisper.New(srv.URL, whisper.WithSilenceThreshold(-1))
	if _, err := p.Transcribe(t.Context(), silent, stt.BatchOptions{}); err != nil {
		t.Fatalf("with check disabled: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTranscribe_EmptyResponse(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)

	if _, err := p.Transcribe(t.Context(), speechWAV(800), stt.BatchOptions{}); !errors.Is(err, stt.ErrNoTranscript) {
		t.Errorf("err = %v, want ErrNoTranscript", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	p, _ := whisper.New(srv.URL)

	_, err := p.Transcribe(t.Context(), speechWAV(800), stt.BatchOptions{})
	if err == nil || errors.Is(err, stt.ErrNoTranscript) {
		t.Errorf("err = %v, want HTTP failure", err)
	}
}

func TestTranscribe_InvalidWAV(t *testing.T) {
	p, _ := whisper.New("http://127.0.0.1:1")
	_, err := p.Transcribe(t.Context(), []byte("not a wav"), stt.BatchOptions{})
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err = %v, want ErrInvalidWAV", err)
	}
}
