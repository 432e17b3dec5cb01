package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dialer-platform/internal/calls"
)

// statusCallback captures the subset of an end-of-call event we care about.
// Engines send either JSON or application/x-www-form-urlencoded; field names
// differ slightly, so both spellings are accepted.
//
// user_id and credential_id are not provider fields: they are appended as
// query parameters to the webhook URL when the number is configured.
type statusCallback struct {
	CallID       string `json:"call_id"`
	CallSid      string `json:"CallSid"`
	Status       string `json:"status"`
	CallStatus   string `json:"CallStatus"`
	Duration     any    `json:"duration"`
	CallDuration any    `json:"CallDuration"`
	From         string `json:"from"`
	To           string `json:"to"`
	AgentID      string `json:"agent_id"`
	EndedAt      string `json:"ended_at"`
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
}

// ParseStatusCallback converts an engine's end-of-call webhook into a
// calls.Completion. No business logic here.
func ParseStatusCallback(r *http.Request, engine string, now time.Time) (calls.Completion, error) {
	var cb statusCallback
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cb); err != nil {
			return calls.Completion{}, fmt.Errorf("telephony: decode status callback: %w", err)
		}
	default:
		if err := r.ParseForm(); err != nil {
			return calls.Completion{}, err
		}
		cb = statusCallback{
			CallID:       r.PostFormValue("call_id"),
			CallSid:      r.PostFormValue("CallSid"),
			Status:       r.PostFormValue("status"),
			CallStatus:   r.PostFormValue("CallStatus"),
			Duration:     r.PostFormValue("duration"),
			CallDuration: r.PostFormValue("CallDuration"),
			From:         r.PostFormValue("From"),
			To:           r.PostFormValue("To"),
			AgentID:      r.PostFormValue("agent_id"),
			EndedAt:      r.PostFormValue("ended_at"),
		}
	}

	q := r.URL.Query()
	c := calls.Completion{
		Engine:       strings.ToLower(strings.TrimSpace(engine)),
		CallID:       firstNonEmpty(cb.CallID, cb.CallSid),
		UserID:       firstNonEmpty(q.Get("user_id"), cb.UserID),
		CredentialID: firstNonEmpty(q.Get("credential_id"), cb.CredentialID),
		AgentID:      cb.AgentID,
		From:         strings.TrimSpace(cb.From),
		To:           strings.TrimSpace(cb.To),
		Status:       calls.NormalizeStatus(firstNonEmpty(cb.Status, cb.CallStatus)),
		EndedAt:      now.UTC(),
	}

	dur, err := parseDuration(cb.Duration)
	if err != nil {
		return calls.Completion{}, err
	}
	if dur == 0 {
		if dur, err = parseDuration(cb.CallDuration); err != nil {
			return calls.Completion{}, err
		}
	}
	c.DurationSeconds = dur

	if cb.EndedAt != "" {
		if t, err := time.Parse(time.RFC3339, cb.EndedAt); err == nil {
			c.EndedAt = t.UTC()
		}
	}
	if err := c.Validate(); err != nil {
		return calls.Completion{}, err
	}
	return c, nil
}

func parseDuration(v any) (int, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int(d + 0.5), nil
	case string:
		d = strings.TrimSpace(d)
		if d == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return 0, fmt.Errorf("telephony: invalid duration %q", d)
		}
		return int(f + 0.5), nil
	}
	return 0, errors.New("telephony: invalid duration type")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
