package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// MatrixError is the error body every Matrix endpoint returns.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrix sends m.text messages to a room. The destination is the room id.
type Matrix struct {
	homeserver  string
	accessToken string
	http        *http.Client
	newTxnID    func() string
}

func NewMatrix(homeserver, accessToken string, hc *http.Client) *Matrix {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Matrix{
		homeserver:  strings.TrimRight(homeserver, "/"),
		accessToken: accessToken,
		http:        hc,
		newTxnID:    uuid.NewString,
	}
}

type matrixMessage struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// Deliver uses a fresh transaction id per message; the homeserver
// deduplicates retries of the same PUT.
func (m *Matrix) Deliver(ctx context.Context, roomID, text string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), url.PathEscape(m.newTxnID()))

	data, err := json.Marshal(matrixMessage{MsgType: "m.text", Body: text})
	if err != nil {
		return fmt.Errorf("matrix: encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.homeserver+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("matrix: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var merr MatrixError
	if err := json.Unmarshal(body, &merr); err != nil {
		return fmt.Errorf("matrix: unexpected %d response: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	merr.StatusCode = resp.StatusCode
	return &merr
}
