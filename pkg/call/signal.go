package call

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"wavelink/internal/cid"
)

// OfferSignal is the caller -> callee offer.
type OfferSignal struct {
	To         string `json:"to"`
	SDP        any    `json:"sdp"`
	From       string `json:"from"`
	FromName   string `json:"fromName,omitempty"`
	FromAvatar string `json:"fromAvatar,omitempty"`
	CallType   string `json:"callType,omitempty"`
}

// AnswerSignal is the callee -> caller answer.
type AnswerSignal struct {
	To   string `json:"to"`
	SDP  any    `json:"sdp"`
	From string `json:"from"`
}

// CandidateSignal carries one ICE candidate, either direction.
type CandidateSignal struct {
	To        string `json:"to"`
	Candidate any    `json:"candidate"`
	From      string `json:"from"`
}

// EndSignal terminates or declines a call.
type EndSignal struct {
	To     string `json:"to"`
	From   string `json:"from"`
	Reason string `json:"reason"`
}

// Signaler delivers signaling messages to the counterpart. Call setup never
// talks to the broker directly; it rides the same push path as chat events.
type Signaler interface {
	SendOffer(ctx context.Context, s OfferSignal) error
	SendAnswer(ctx context.Context, s AnswerSignal) error
	SendCandidate(ctx context.Context, s CandidateSignal) error
	SendEnd(ctx context.Context, s EndSignal) error
}

// HTTPSignaler posts signaling messages to the server's /calls endpoints.
type HTTPSignaler struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSignaler creates a signaler against the given server base URL.
func NewHTTPSignaler(baseURL string) *HTTPSignaler {
	return &HTTPSignaler{BaseURL: baseURL, Client: http.DefaultClient}
}

func (h *HTTPSignaler) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	cid.AddHeaderFromContext(req.Header, ctx)

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (h *HTTPSignaler) SendOffer(ctx context.Context, s OfferSignal) error {
	return h.post(ctx, "/calls/start", s)
}

func (h *HTTPSignaler) SendAnswer(ctx context.Context, s AnswerSignal) error {
	return h.post(ctx, "/calls/answer", s)
}

func (h *HTTPSignaler) SendCandidate(ctx context.Context, s CandidateSignal) error {
	return h.post(ctx, "/calls/candidate", s)
}

func (h *HTTPSignaler) SendEnd(ctx context.Context, s EndSignal) error {
	return h.post(ctx, "/calls/end", s)
}
