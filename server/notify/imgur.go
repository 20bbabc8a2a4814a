package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/snapbus/server/config"
)

const DefaultImgurEndpoint = "https://api.imgur.com/3/image"

// ImageHost publishes an image, and returns a public URL for it
type ImageHost interface {
	Upload(ctx context.Context, filename string) (string, error)
}

// Imgur uploads anonymously, with a registered client ID
type Imgur struct {
	ClientID string
	Endpoint string
	Client   *http.Client
}

func NewImgur(cfg config.ImgurConfig) *Imgur {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultImgurEndpoint
	}
	return &Imgur{
		ClientID: cfg.ClientID,
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type imgurResponse struct {
	Data struct {
		Link  string `json:"link"`
		Error any    `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

func (m *Imgur) Upload(ctx context.Context, filename string) (string, error) {
	img, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(img); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", "file"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.Endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Client-ID "+m.ClientID)
	resp, err := m.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", err
	}

	r := imgurResponse{}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("Invalid response from image host (HTTP %v): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !r.Success {
		return "", fmt.Errorf("Image upload failed (HTTP %v): %v", resp.StatusCode, r.Data.Error)
	}
	if r.Data.Link == "" {
		return "", fmt.Errorf("Image host returned no link")
	}
	return ForceHTTPS(r.Data.Link), nil
}

// ForceHTTPS rewrites an http:// URL to https://. LINE only accepts https image URLs.
func ForceHTTPS(url string) string {
	if strings.HasPrefix(url, "http://") {
		return "https://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
