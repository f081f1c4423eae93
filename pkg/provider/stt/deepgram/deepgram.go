// Package deepgram provides Deepgram-backed speech-to-text providers: a live
// stream over the streaming WebSocket API ([Provider.Open]) and clip
// transcription over the prerecorded REST API ([Provider.Transcribe]).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pendant/pkg/provider/stt"
)

const (
	defaultBaseURL    = "https://api.deepgram.com"
	listenPath        = "/v1/listen"
	defaultLiveModel  = "nova-2"
	defaultBatchModel = "nova-3"
	defaultLanguage   = "en"
	audioQueueSize    = 256
	closeWriteTimeout = 2 * time.Second
	defaultCloseGrace = 3 * time.Second
)

// Compile-time assertions.
var (
	_ stt.LiveProvider  = (*Provider)(nil)
	_ stt.BatchProvider = (*Provider)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the live streaming model (e.g., "nova-2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.liveModel = model
	}
}

// WithBatchModel sets the prerecorded model (e.g., "nova-3").
func WithBatchModel(model string) Option {
	return func(p *Provider) {
		p.batchModel = model
	}
}

// WithLanguage sets the default recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the API base URL. The live endpoint is derived by
// switching the scheme to ws/wss.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the client used for prerecorded requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithCloseGrace bounds how long [stt.Stream.Close] waits for the service to
// flush final results and close the connection after CloseStream.
func WithCloseGrace(d time.Duration) Option {
	return func(p *Provider) {
		p.closeGrace = d
	}
}

// Provider implements [stt.LiveProvider] and [stt.BatchProvider].
type Provider struct {
	apiKey     string
	baseURL    string
	liveModel  string
	batchModel string
	language   string
	closeGrace time.Duration
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		liveModel:  defaultLiveModel,
		batchModel: defaultBatchModel,
		language:   defaultLanguage,
		closeGrace: defaultCloseGrace,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials a live streaming session. The stream parameters are also passed
// as query parameters because raw linear16 audio cannot be auto-detected.
func (p *Provider) Open(ctx context.Context, cfg stt.LiveConfig) (stt.Stream, error) {
	wsURL, err := p.liveURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:       conn,
		audio:      make(chan []byte, audioQueueSize),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		ctx:        wctx,
		cancel:     cancel,
		closeGrace: p.closeGrace,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// liveURL constructs the streaming endpoint URL for cfg.
func (p *Provider) liveURL(cfg stt.LiveConfig) (string, error) {
	u, err := url.Parse(p.baseURL + listenPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	model := cfg.Model
	if model == "" {
		model = p.liveModel
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = stt.DefaultEncoding
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("diarize", strconv.FormatBool(cfg.Diarize))
	q.Set("utterances", strconv.FormatBool(cfg.Utterances))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// configureMessage is the Configure control message.
type configureMessage struct {
	Type     string         `json:"type"`
	Features stt.LiveConfig `json:"features"`
}

// liveResponse is the subset of inbound message fields the engine reads.
type liveResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram session. It implements stt.Stream.
type stream struct {
	conn  *websocket.Conn
	audio chan []byte

	// ctx bounds writes from the write loop; cancel aborts a stalled write.
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// readDone is closed once Recv sees the connection end.
	readDone   chan struct{}
	readOnce   sync.Once
	closeGrace time.Duration
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) writeText(ctx context.Context, v any) error {
	if s.closed() {
		return stt.ErrStreamClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("deepgram: write: %w", err)
	}
	return nil
}

// SendConfig sends the Configure message.
func (s *stream) SendConfig(ctx context.Context, cfg stt.LiveConfig) error {
	return s.writeText(ctx, configureMessage{Type: "Configure", Features: cfg})
}

// SendKeepAlive sends a KeepAlive message.
func (s *stream) SendKeepAlive(ctx context.Context) error {
	return s.writeText(ctx, map[string]string{"type": "KeepAlive"})
}

// SendAudio queues a PCM chunk for the write loop.
func (s *stream) SendAudio(chunk []byte) error {
	if s.closed() {
		return stt.ErrStreamClosed
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Recv reads the next message.
func (s *stream) Recv(ctx context.Context) (stt.Event, error) {
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stt.Event{}, ctx.Err()
			}
			s.readOnce.Do(func() { close(s.readDone) })
			return stt.Event{}, fmt.Errorf("deepgram: read: %w: %w", stt.ErrStreamClosed, err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return parseLiveResponse(msg), nil
	}
}

// Close stops accepting audio, flushes the queued chunks and sends
// CloseStream. It then waits up to the close grace for the service to close
// the connection, so final results stay readable through Recv, before
// dropping the connection.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		abort := time.AfterFunc(closeWriteTimeout, s.cancel)
		s.wg.Wait()
		abort.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
		err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		if err == nil {
			grace := time.NewTimer(s.closeGrace)
			select {
			case <-s.readDone:
			case <-grace.C:
			}
			grace.Stop()
		}
		s.cancel()
		_ = s.conn.CloseNow()
	})
	return nil
}

// writeLoop sends queued audio as binary messages.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain writes whatever audio was queued before Close.
func (s *stream) drain() {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		default:
			return
		}
	}
}

// parseLiveResponse classifies a raw inbound message. Unparseable messages
// are reported as errors so the consumer learns about them.
func parseLiveResponse(data []byte) stt.Event {
	var resp liveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{Kind: stt.EventError, Message: "parse response: " + err.Error()}
	}
	switch resp.Type {
	case "Results":
		ev := stt.Event{Kind: stt.EventResults, Type: resp.Type, IsFinal: resp.IsFinal}
		if len(resp.Channel.Alternatives) > 0 {
			ev.Transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		return ev
	case "Error":
		msg := resp.Message
		if msg == "" {
			msg = resp.Description
		}
		if msg == "" {
			msg = "Unknown error occurred"
		}
		return stt.Event{Kind: stt.EventError, Type: resp.Type, Message: msg}
	default:
		return stt.Event{Kind: stt.EventOther, Type: resp.Type}
	}
}
