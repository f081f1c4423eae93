// Package clips keeps recently produced audio clips in memory, addressable by
// reference, and transcribes them with a batch STT backend either
// automatically or on demand.
package clips

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/pendant/internal/clock"
	"github.com/MrWong99/pendant/pkg/audio"
)

// Transcript texts shown for clips that have no real transcript.
const (
	TextPending = "transcription..."
	TextEmpty   = "No transcription available"
	TextFailed  = "Transcription failed"
)

const defaultMaxClips = 100

// ErrNotFound is returned for unknown or evicted clip references.
var ErrNotFound = errors.New("clips: clip not found")

// Status is the transcription status of a clip.
type Status string

const (
	StatusNone    Status = "none"
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// Clip is a stored recording segment.
type Clip struct {
	Ref        string        `json:"ref"`
	Filename   string        `json:"filename"`
	Samples    int           `json:"samples"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     Status        `json:"status"`
	Transcript string        `json:"transcript,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Error      string        `json:"error,omitempty"`

	WAV []byte `json:"-"`
}

// Store is a bounded in-memory clip store. The oldest clip is evicted once
// more than the configured maximum are held. It is safe for concurrent use.
type Store struct {
	max   int
	clock clock.Clock

	mu    sync.RWMutex
	order []string
	byRef map[string]*Clip
}

// NewStore creates a [Store] holding at most maxClips clips (100 if zero).
func NewStore(maxClips int, clk clock.Clock) *Store {
	if maxClips <= 0 {
		maxClips = defaultMaxClips
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		max:   maxClips,
		clock: clk,
		byRef: make(map[string]*Clip),
	}
}

// Save stores an encoded clip under a new reference and returns it. The
// sample count and duration are read from the WAV header; a clip that does
// not parse is still stored.
func (s *Store) Save(wav []byte, filename string) string {
	c := &Clip{
		Ref:       uuid.NewString(),
		Filename:  filename,
		CreatedAt: s.clock.Now(),
		Status:    StatusNone,
		WAV:       wav,
	}
	if samples, format, err := audio.DecodeWAV(wav); err == nil {
		c.Samples = len(samples)
		c.SampleRate = format.SampleRate
		c.Duration = audio.SamplesDuration(len(samples), format.SampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef[c.Ref] = c
	s.order = append(s.order, c.Ref)
	for len(s.order) > s.max {
		delete(s.byRef, s.order[0])
		s.order = s.order[1:]
	}
	return c.Ref
}

// Get returns a copy of the clip stored under ref.
func (s *Store) Get(ref string) (Clip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byRef[ref]
	if !ok {
		return Clip{}, ErrNotFound
	}
	return *c, nil
}

// List returns copies of all stored clips, newest first.
func (s *Store) List() []Clip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Clip, 0, len(s.order))
	for _, ref := range slices.Backward(s.order) {
		out = append(out, *s.byRef[ref])
	}
	return out
}

// Len returns the number of stored clips.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// update applies fn to the stored clip and returns the updated copy.
func (s *Store) update(ref string, fn func(*Clip)) (Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byRef[ref]
	if !ok {
		return Clip{}, ErrNotFound
	}
	fn(c)
	return *c, nil
}
