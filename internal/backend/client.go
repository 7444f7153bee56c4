package backend

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
	"time"

	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/reliability"
)

// FallbackReply masks reflection agent failures: the session keeps moving
// with a fixed empathetic line instead of surfacing an error mid-speech.
const FallbackReply = "Thank you for sharing. I'm here to listen."

// Schedule mirrors the backend's scheduled conversation entity.
type Schedule struct {
	ID               int      `json:"id"`
	UserID           int      `json:"user_id"`
	Time             string   `json:"time"`
	DaysOfWeek       []string `json:"days_of_week"`
	IsEnabled        bool     `json:"is_enabled"`
	Timezone         string   `json:"timezone"`
	ConversationMode string   `json:"conversation_mode"`
	LastTriggeredAt  *float64 `json:"last_triggered_at,omitempty"`
	CreatedAt        float64  `json:"created_at,omitempty"`
	UpdatedAt        float64  `json:"updated_at,omitempty"`
}

// ScheduleCreate is the create payload for POST /api/schedule.
type ScheduleCreate struct {
	UserID           int      `json:"user_id"`
	Time             string   `json:"time"`
	DaysOfWeek       []string `json:"days_of_week"`
	Timezone         string   `json:"timezone"`
	ConversationMode string   `json:"conversation_mode"`
}

// ScheduleUpdate is the partial payload for PATCH /api/schedule/{id}.
type ScheduleUpdate struct {
	Time             *string   `json:"time,omitempty"`
	DaysOfWeek       *[]string `json:"days_of_week,omitempty"`
	IsEnabled        *bool     `json:"is_enabled,omitempty"`
	Timezone         *string   `json:"timezone,omitempty"`
	ConversationMode *string   `json:"conversation_mode,omitempty"`
}

// CheckResult is the answer to "should we prompt the user right now".
type CheckResult struct {
	ShouldTrigger    bool   `json:"should_trigger"`
	ConversationMode string `json:"conversation_mode"`
}

// JournalCreate is the persistence payload for a finished session.
type JournalCreate struct {
	UserID          int    `json:"user_id"`
	Content         string `json:"content"`
	PromptUsed      string `json:"prompt_used,omitempty"`
	IsVoiceEntry    bool   `json:"is_voice_entry"`
	VoiceTranscript string `json:"voice_transcript,omitempty"`
	EntryType       string `json:"entry_type"`
}

// Client talks to the journaling backend: reflection agents, journal
// persistence, opening questions, and the scheduled conversation endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Reflect runs the one agent exchange: committed text in, reply text out.
// Every failure resolves to the fixed fallback reply; agent trouble is
// reportable, never session-fatal.
func (c *Client) Reflect(ctx context.Context, content string) (reply string, usedFallback bool) {
	var out struct {
		Response string `json:"response"`
	}
	err := c.postJSON(ctx, "/api/voice/reflection", map[string]string{"content": content}, &out)
	if err != nil {
		c.log.Warn().Err(err).Msg("reflection unavailable, using fallback reply")
		return FallbackReply, true
	}
	if strings.TrimSpace(out.Response) == "" {
		return FallbackReply, true
	}
	return out.Response, false
}

// Question fetches a personalized opening line for a session.
func (c *Client) Question(ctx context.Context, userID, days int) (string, error) {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))
	q.Set("days", strconv.Itoa(days))
	var out struct {
		Question string `json:"question"`
	}
	if err := c.getJSON(ctx, "/api/journals/question?"+q.Encode(), &out); err != nil {
		return "", err
	}
	return out.Question, nil
}

// SaveJournal persists a finished session as one journal entry.
func (c *Client) SaveJournal(ctx context.Context, entry JournalCreate) (int, error) {
	var out struct {
		ID int `json:"id"`
	}
	if err := c.postJSON(ctx, "/api/journals", entry, &out); err != nil {
		return 0, reliability.Wrap(reliability.KindNetworkUnreachable, "check backend is running", err)
	}
	return out.ID, nil
}

// Schedules lists the user's scheduled conversation times.
func (c *Client) Schedules(ctx context.Context, userID int) ([]Schedule, error) {
	var out []Schedule
	if err := c.getJSON(ctx, "/api/schedule?user_id="+strconv.Itoa(userID), &out); err != nil {
		return nil, reliability.Wrap(reliability.KindNetworkUnreachable, "check backend is running", err)
	}
	return out, nil
}

// CreateSchedule creates (or, server-side, upserts) the user's schedule.
func (c *Client) CreateSchedule(ctx context.Context, create ScheduleCreate) (Schedule, error) {
	var out Schedule
	if err := c.postJSON(ctx, "/api/schedule", create, &out); err != nil {
		return Schedule{}, reliability.Wrap(reliability.KindNetworkUnreachable, "check backend is running", err)
	}
	return out, nil
}

// UpdateSchedule patches an existing schedule.
func (c *Client) UpdateSchedule(ctx context.Context, id int, update ScheduleUpdate) (Schedule, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return Schedule{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/api/schedule/"+strconv.Itoa(id), bytes.NewReader(body))
	if err != nil {
		return Schedule{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out Schedule
	if err := c.do(req, &out); err != nil {
		return Schedule{}, reliability.Wrap(reliability.KindNetworkUnreachable, "check backend is running", err)
	}
	return out, nil
}

// CheckSchedule asks whether the scheduled time was just crossed.
func (c *Client) CheckSchedule(ctx context.Context, userID int) (CheckResult, error) {
	var out CheckResult
	if err := c.getJSON(ctx, "/api/schedule/"+strconv.Itoa(userID)+"/check", &out); err != nil {
		return CheckResult{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
