package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxtail/internal/protocol"
)

// apiClient talks to a running voxtail server.
type apiClient struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

// apiError is a non-2xx response decoded from the server's error body.
type apiError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

func decodeAPIError(status int, body []byte) *apiError {
	e := &apiError{Status: status}
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

func newAPIClient(baseURL, deviceID string, client *http.Client) *apiClient {
	if client == nil {
		client = &http.Client{}
	}
	return &apiClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		deviceID: strings.TrimSpace(deviceID),
		http:     client,
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	return req, nil
}

func (c *apiClient) send(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		return decodeAPIError(res.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

// multipartFile builds a form with the file under "audio" plus any extra fields.
func multipartFile(path string, fields map[string]string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := mw.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *apiClient) upload(ctx context.Context, path, file string, fields map[string]string) (*http.Request, error) {
	body, contentType, err := multipartFile(file, fields)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return c.newRequest(ctx, http.MethodPost, path, body, contentType)
}

// identify uploads a recording and relays progress until the stream ends.
func (c *apiClient) identify(ctx context.Context, file, language string, onProgress func(protocol.Progress)) (protocol.IdentifyResult, error) {
	req, err := c.upload(ctx, "/v1/identify", file, map[string]string{"language": language})
	if err != nil {
		return protocol.IdentifyResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := c.http.Do(req)
	if err != nil {
		return protocol.IdentifyResult{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return protocol.IdentifyResult{}, decodeAPIError(res.StatusCode, body)
	}

	var (
		result  protocol.IdentifyResult
		gotDone bool
	)
	err = readSSE(res.Body, func(event string, data []byte) (bool, error) {
		switch event {
		case protocol.EventProgress:
			var p protocol.Progress
			if err := json.Unmarshal(data, &p); err != nil {
				return false, fmt.Errorf("decode progress: %w", err)
			}
			if onProgress != nil {
				onProgress(p)
			}
			return true, nil
		case protocol.EventDone:
			if err := json.Unmarshal(data, &result); err != nil {
				return false, fmt.Errorf("decode result: %w", err)
			}
			gotDone = true
			return false, nil
		case protocol.EventError:
			var se protocol.StreamError
			_ = json.Unmarshal(data, &se)
			return false, fmt.Errorf("identification failed: %s", se.Error)
		default:
			return true, nil
		}
	})
	if err != nil {
		return protocol.IdentifyResult{}, err
	}
	if !gotDone {
		return protocol.IdentifyResult{}, fmt.Errorf("stream ended without a result")
	}
	return result, nil
}

// readSSE dispatches each event to fn until fn returns false or the stream ends.
// Comment lines are skipped.
func readSSE(r io.Reader, fn func(event string, data []byte) (bool, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var (
		event string
		data  []byte
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			more, err := fn(event, data)
			if err != nil || !more {
				return err
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	return sc.Err()
}

func wsURLForMeeting(baseURL, meetingID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("server host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/meetings/" + url.PathEscape(meetingID) + "/ws"
	return u.String(), nil
}

// watch relays session events for a meeting until the server closes the socket.
func (c *apiClient) watch(ctx context.Context, meetingID string, onEvent func(protocol.SessionEvent)) error {
	wsURL, err := wsURLForMeeting(c.baseURL, meetingID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.deviceID != "" {
		header.Set("X-Device-ID", c.deviceID)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusNotFound {
			return &apiError{Status: res.StatusCode, Code: "NOT_FOUND", Message: "meeting session not found"}
		}
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var ev protocol.SessionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == protocol.TypeSessionEvent && onEvent != nil {
			onEvent(ev)
		}
	}
}

func (c *apiClient) download(ctx context.Context, path, dest string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return 0, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return 0, decodeAPIError(res.StatusCode, body)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, res.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
