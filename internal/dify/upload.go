package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/capitalize-ai/line-relay/internal/model"
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/m4a":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/mpeg":      ".mp3",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

func uploadName(a model.Attachment) string {
	if a.Filename != "" {
		return a.Filename
	}
	if ext, ok := extensions[a.ContentType]; ok {
		return "upload" + ext
	}
	return "upload.bin"
}

// UploadFile uploads an attachment for later use in a chat message and
// returns its upload id.
func (c *Client) UploadFile(ctx context.Context, a model.Attachment, user string) (string, error) {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, uploadName(a)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", &Error{Op: "upload", Err: err}
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", &Error{Op: "upload", Err: err}
	}
	if err := w.WriteField("user", user); err != nil {
		return "", &Error{Op: "upload", Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &Error{Op: "upload", Err: err}
	}

	url := c.baseURL + "/files/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", &Error{Op: "upload", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Op: "upload", Err: statusError(resp, url)}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Op: "upload", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &Error{Op: "upload", Err: errors.New("response has no file id")}
	}
	return out.ID, nil
}
