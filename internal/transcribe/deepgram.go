package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/innercircle/echovoice/internal/reliability"
)

type DeepgramConfig struct {
	APIKey      string
	WSBaseURL   string
	HTTPBaseURL string
	SampleRate  int
}

// DeepgramProvider speaks Deepgram's live websocket API for streaming turns
// and its prerecorded endpoint for the upload fallback.
type DeepgramProvider struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.HTTPBaseURL) == "" {
		cfg.HTTPBaseURL = "https://api.deepgram.com"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &DeepgramProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *DeepgramProvider) StartStream(ctx context.Context) (Stream, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, reliability.Wrap(reliability.KindProviderUnavailable, "", fmt.Errorf("dial live transcription: %w", err))
	}

	s := &deepgramStream{conn: conn, events: make(chan Event, 256), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

// liveFrame is the shape Deepgram sends per audio window.
type liveFrame struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
}

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) CloseSend(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

// readLoop is the only closer of the events channel, so a concurrent Close
// can never race a send to it.
func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame liveFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if len(frame.Channel.Alternatives) == 0 {
			continue
		}
		text := frame.Channel.Alternatives[0].Transcript
		if strings.TrimSpace(text) == "" && !frame.IsFinal {
			continue
		}
		select {
		case s.events <- Event{Text: text, IsFinal: frame.IsFinal}:
		case <-s.done:
			return
		}
	}
}

// prerecordedResponse is the shape Deepgram returns for a blob upload.
type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// TranscribeFile uploads a sealed WAV blob and returns the full transcript
// in one shot. Used when the streaming path committed nothing for a turn.
func (p *DeepgramProvider) TranscribeFile(ctx context.Context, wav []byte) (string, error) {
	endpoint := strings.TrimRight(p.cfg.HTTPBaseURL, "/") + "/v1/listen"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", reliability.Wrap(reliability.KindProviderUnavailable, "check network connectivity", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("upload transcription status %d", resp.StatusCode)
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return "", reliability.Wrap(reliability.KindProviderUnavailable, "", err)
		}
		return "", err
	}

	var parsed prerecordedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode upload transcription: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript), nil
}
