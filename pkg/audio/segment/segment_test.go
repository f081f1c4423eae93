package segment

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/pkg/audio"
)

var epoch = time.Date(2025, 3, 1, 14, 5, 0, 0, time.UTC)

func frameOf(n int, value int16) audio.Frame {
	s := make([]int16, n)
	for i := range s {
		s[i] = value
	}
	return audio.Frame{Samples: s}
}

func TestSegmenter_FlushesOnWindow(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Config{SampleRate: 8000, Duration: 10 * time.Second, Clock: clk})

	if _, ok := s.Append(frameOf(10, 1)); ok {
		t.Fatal("flushed before the window elapsed")
	}
	clk.Advance(9 * time.Second)
	if _, ok := s.Append(frameOf(10, 2)); ok {
		t.Fatal("flushed at 9s")
	}
	clk.Advance(1 * time.Second)
	clip, ok := s.Append(frameOf(10, 3))
	if !ok {
		t.Fatal("expected a flush at 10s")
	}
	if clip.Samples != 30 {
		t.Errorf("clip samples = %d, want 30", clip.Samples)
	}
	if s.Buffered() != 0 {
		t.Errorf("buffered after flush = %d, want 0", s.Buffered())
	}
	if !s.Deadline().Equal(epoch.Add(20 * time.Second)) {
		t.Errorf("deadline = %v, want flush time + 10s", s.Deadline())
	}

	got, format, err := audio.DecodeWAV(clip.WAV)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", format.SampleRate)
	}
	want := []int16{1, 2, 3}
	for i, v := range want {
		for j := 0; j < 10; j++ {
			if got[i*10+j] != v {
				t.Fatalf("sample %d = %d, want %d", i*10+j, got[i*10+j], v)
			}
		}
	}
}

func TestSegmenter_EmptyFlushIsNoop(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Config{Clock: clk})

	if _, ok := s.Flush(); ok {
		t.Error("flush of empty buffer produced a clip")
	}
	clk.Advance(30 * time.Second)
	if _, ok := s.MaybeFlush(); ok {
		t.Error("elapsed window with empty buffer produced a clip")
	}
	if !s.Deadline().Equal(epoch.Add(40 * time.Second)) {
		t.Errorf("window did not restart on empty flush: deadline %v", s.Deadline())
	}
	if _, _, clips := s.Stats(); clips != 0 {
		t.Errorf("clips = %d, want 0", clips)
	}
}

func TestSegmenter_Reset(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Config{Clock: clk})
	s.Append(frameOf(50, 1))
	clk.Advance(5 * time.Second)

	s.Reset()

	if s.Buffered() != 0 {
		t.Errorf("buffered = %d after reset", s.Buffered())
	}
	if !s.Deadline().Equal(epoch.Add(15 * time.Second)) {
		t.Errorf("deadline = %v, want reset time + window", s.Deadline())
	}
}

// Sample conservation: whatever the arrival pattern, the clips plus the
// remaining buffer account for every appended sample exactly once.
func TestSegmenter_ConservesSamples(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 50; run++ {
		clk := clock.NewFake(epoch)
		s := New(Config{Duration: 2 * time.Second, Clock: clk})

		var appended, inClips int
		var next int16
		var lastFlush time.Time
		for i := 0; i < 200; i++ {
			n := rng.IntN(40)
			f := audio.Frame{Samples: make([]int16, n)}
			for j := range f.Samples {
				f.Samples[j] = next
				next++
			}
			appended += n
			clk.Advance(time.Duration(rng.IntN(300)) * time.Millisecond)
			if clip, ok := s.Append(f); ok {
				now := clk.Now()
				if !lastFlush.IsZero() && now.Sub(lastFlush) < 2*time.Second {
					t.Fatalf("run %d: two flushes %v apart", run, now.Sub(lastFlush))
				}
				lastFlush = now
				inClips += clip.Samples
			}
		}

		if inClips+s.Buffered() != appended {
			t.Fatalf("run %d: clips %d + buffered %d != appended %d", run, inClips, s.Buffered(), appended)
		}
		if clip, ok := s.Flush(); ok {
			inClips += clip.Samples
		}
		if inClips != appended {
			t.Fatalf("run %d: after final flush %d != %d", run, inClips, appended)
		}
	}
}

func TestSegmenter_OrderPreservedAcrossClips(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Config{Duration: time.Second, Clock: clk})

	var collected []int16
	var v int16
	for i := 0; i < 30; i++ {
		f := audio.Frame{Samples: []int16{v, v + 1}}
		v += 2
		clk.Advance(150 * time.Millisecond)
		if clip, ok := s.Append(f); ok {
			samples, _, err := audio.DecodeWAV(clip.WAV)
			if err != nil {
				t.Fatal(err)
			}
			collected = append(collected, samples...)
		}
	}
	if clip, ok := s.Flush(); ok {
		samples, _, _ := audio.DecodeWAV(clip.WAV)
		collected = append(collected, samples...)
	}

	for i, got := range collected {
		if got != int16(i) {
			t.Fatalf("sample %d = %d: order broken", i, got)
		}
	}
	if len(collected) != 60 {
		t.Errorf("collected %d samples, want 60", len(collected))
	}
}

// Twenty-five µ-law packets of twenty samples arrive every 500ms over 12
// seconds with a 10 second window: one clip at the 10s mark, one on stop.
func TestSegmenter_TwelveSecondScenario(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Config{SampleRate: 8000, Duration: 10 * time.Second, Clock: clk})

	payload := make([]byte, audio.HeaderSize+20)
	for i := audio.HeaderSize; i < len(payload); i++ {
		payload[i] = 0xFF
	}

	var clips []Clip
	for i := 0; i < 25; i++ {
		if i > 0 {
			clk.Advance(500 * time.Millisecond)
		}
		f := audio.Decode(payload, audio.CodecMuLaw, clk.Now())
		if f.Len() != 20 {
			t.Fatalf("packet %d decoded to %d samples", i, f.Len())
		}
		if clip, ok := s.Append(f); ok {
			if got := clk.Now().Sub(epoch); got != 10*time.Second {
				t.Errorf("flush at %v, want 10s", got)
			}
			clips = append(clips, clip)
		}
	}

	if len(clips) != 1 {
		t.Fatalf("clips before stop = %d, want 1", len(clips))
	}
	if clips[0].Samples != 21*20 {
		t.Errorf("first clip = %d samples, want %d", clips[0].Samples, 21*20)
	}

	last, ok := s.Flush()
	if !ok {
		t.Fatal("stop flush produced no clip")
	}
	if last.Samples != 4*20 {
		t.Errorf("trailing clip = %d samples, want %d", last.Samples, 4*20)
	}
	if clips[0].Samples+last.Samples != 500 {
		t.Errorf("total = %d, want 500", clips[0].Samples+last.Samples)
	}
}

func TestFilename(t *testing.T) {
	ts := time.Date(2025, 3, 1, 14, 5, 9, 120_000_000, time.FixedZone("CET", 3600))
	if got, want := Filename(ts), "recording-2025-03-01T13-05-09-120Z.wav"; got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}
}
