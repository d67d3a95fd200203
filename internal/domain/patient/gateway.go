package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edmlink/edmlink/internal/domain/credential"
)

// TokenSource yields a currently-valid EDM access token. Satisfied by
// *credential.Service.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// CreateRequest is the application-facing patient-creation request.
type CreateRequest struct {
	Name       string `json:"name"`
	Surname    string `json:"surname"`
	Email      string `json:"email,omitempty"`
	NationalID string `json:"national_id,omitempty"`
}

// address is the EDM demographic address sub-object. The marketing site
// collects no address, so empty sub-objects are sent and the EDM side
// validates what it requires.
type address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
}

// upstreamPayload is the patient-creation body the EDM endpoint expects.
type upstreamPayload struct {
	Name           string  `json:"name"`
	Surname        string  `json:"surname"`
	Country        string  `json:"country"`
	Address        address `json:"address"`
	MailingAddress address `json:"mailing_address"`
	BloodType      string  `json:"blood_type"`
	Active         bool    `json:"active"`
	Email          string  `json:"email,omitempty"`
	PESEL          string  `json:"pesel,omitempty"`
	DateOfBirth    string  `json:"date_of_birth,omitempty"`
	Sex            string  `json:"sex,omitempty"`
}

// UpstreamResult is the EDM response relayed verbatim: the authoritative
// status and body, including validation-error bodies.
type UpstreamResult struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Gateway performs authenticated patient-creation calls against the EDM API.
type Gateway struct {
	tokens      TokenSource
	httpClient  *http.Client
	patientsURL string
	logger      zerolog.Logger
}

// NewGateway creates a patient gateway. timeout bounds the downstream call.
func NewGateway(tokens TokenSource, patientsURL string, timeout time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: timeout},
		patientsURL: patientsURL,
		logger:      logger,
	}
}

// CreatePatient obtains a valid access token, builds the demographic payload,
// and posts it to the EDM patient endpoint. The upstream status and body are
// returned verbatim so the caller sees the authoritative error. A refresh
// failure propagates as credential.ErrRefreshFailed.
func (g *Gateway) CreatePatient(ctx context.Context, req CreateRequest) (*UpstreamResult, error) {
	if req.Name == "" || req.Surname == "" {
		return nil, fmt.Errorf("name and surname are required")
	}

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := upstreamPayload{
		Name:      req.Name,
		Surname:   req.Surname,
		Country:   "PL",
		BloodType: "unknown",
		Active:    true,
		Email:     req.Email,
	}

	if req.NationalID != "" {
		// Malformed IDs fall back to omitting the derived fields; the ID
		// itself is forwarded only when it parsed, so the EDM side never
		// receives a value we could not interpret.
		if demo, ok := ParseNationalID(req.NationalID); ok {
			payload.PESEL = req.NationalID
			payload.DateOfBirth = FormatDateOfBirth(demo.DateOfBirth)
			payload.Sex = demo.Sex
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal patient payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.patientsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build patient request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call EDM patient endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read EDM patient response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	g.logger.Info().
		Int("status", resp.StatusCode).
		Bool("ok", ok).
		Msg("EDM patient creation")

	return &UpstreamResult{
		OK:     ok,
		Status: resp.StatusCode,
		Body:   normalizeBody(respBody),
	}, nil
}

// normalizeBody passes JSON bodies through untouched and wraps raw text so
// the result always serializes as valid JSON.
func normalizeBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(quoted)
}

// IsTokenUnavailable reports whether the error means the EDM credential is
// temporarily unusable, which gateways surface as an upstream failure.
func IsTokenUnavailable(err error) bool {
	return errors.Is(err, credential.ErrRefreshFailed) ||
		errors.Is(err, credential.ErrNotFound) ||
		errors.Is(err, credential.ErrRevoked)
}
