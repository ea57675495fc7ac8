package httpapi

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxAttachmentBytes bounds remote attachment downloads.
const maxAttachmentBytes = 8 << 20

// normalizeAttachment converts an inbound attachment into a bare base64
// payload. Accepted forms: raw base64, a data URL (payload after the first
// comma), or an http(s) URL to fetch and re-encode. Any failure returns an
// error; callers degrade to a text-only turn.
func normalizeAttachment(raw string, client *http.Client) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return fetchAttachment(raw, client)
	}

	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 {
			return "", fmt.Errorf("data url without payload separator")
		}
		raw = raw[idx+1:]
	}

	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid base64 attachment: %w", err)
	}
	return raw, nil
}

func fetchAttachment(url string, client *http.Client) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return "", fmt.Errorf("read attachment body: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty attachment body")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
