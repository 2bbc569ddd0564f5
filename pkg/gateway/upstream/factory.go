// Package upstream owns the connection to the Gemini Live API. The relay only
// sees the Session and Dialer interfaces so tests can swap in fakes.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Session is one bidirectional upstream conversation.
type Session interface {
	// SendTurn sends parts as a single user turn.
	SendTurn(parts []*genai.Part) error
	// Receive blocks until the next upstream message.
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Dialer opens upstream sessions. Implementations are shared by every
// connection and must be safe for concurrent use.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type DialerConfig struct {
	APIKey             string
	Model              string
	BaseURL            string
	ResponseModalities []string
	SpeechLanguageCode string
	SystemInstruction  string
	DialTimeout        time.Duration
	HTTPClient         *http.Client
}

type GenAIDialer struct {
	client      *genai.Client
	model       string
	connect     *genai.LiveConnectConfig
	dialTimeout time.Duration
}

func NewGenAIDialer(ctx context.Context, cfg DialerConfig) (*GenAIDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("upstream: model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("upstream: create genai client: %w", err)
	}

	return &GenAIDialer{
		client:      client,
		model:       cfg.Model,
		connect:     LiveConnectConfig(cfg),
		dialTimeout: cfg.DialTimeout,
	}, nil
}

// LiveConnectConfig maps relay settings onto the genai session setup.
func LiveConnectConfig(cfg DialerConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities {
		out.ResponseModalities = append(out.ResponseModalities, genai.Modality(strings.ToUpper(strings.TrimSpace(m))))
	}
	if lang := strings.TrimSpace(cfg.SpeechLanguageCode); lang != "" {
		out.SpeechConfig = &genai.SpeechConfig{LanguageCode: lang}
	}
	if instr := strings.TrimSpace(cfg.SystemInstruction); instr != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instr}}}
	}
	return out
}

// Dial connects a new Live session. The genai client does not honor ctx during
// the websocket handshake, so the deadline is enforced here and a session that
// arrives late is closed.
func (d *GenAIDialer) Dial(ctx context.Context) (Session, error) {
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}

	type result struct {
		sess *genai.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := d.client.Live.Connect(ctx, d.model, d.connect)
		done <- result{sess: sess, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &GenAISession{sess: r.sess}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.sess != nil {
				_ = r.sess.Close()
			}
		}()
		return nil, fmt.Errorf("dial timed out: %w", ctx.Err())
	}
}

// IsClose reports whether err is the upstream closing the socket rather than
// a session failure.
func IsClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// CloseDetail extracts the close code and reason from a close error.
func CloseDetail(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return 0, ""
}
