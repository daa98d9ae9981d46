// Package faceclient calls the external face recognition microservice. The
// service owns the matching policy for image-based check-in; this client only
// moves bytes and maps failures into the two outcomes callers care about:
// "no face" and "service unavailable".
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"gymgate/internal/face"
)

// ErrNoFace means the service processed the image but found no face in it.
// During enrollment this asks for a better photo, not an ops ticket.
var ErrNoFace = errors.New("no face found in image")

// ErrUnavailable means the service itself failed: unreachable, misconfigured,
// or returning garbage. Distinct from ErrNoFace so enrollment can surface an
// actionable configuration error.
var ErrUnavailable = errors.New("face recognition service unavailable")

// EnrolledMember is one gallery entry uploaded with a match request.
type EnrolledMember struct {
	RegNo      int             `json:"regNo"`
	Name       string          `json:"name"`
	Descriptor face.Descriptor `json:"descriptor"`
}

// MatchResult is the service's best-match decision.
type MatchResult struct {
	RegNo int    `json:"regNo"`
	Name  string `json:"name"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. skip enables canned responses for local dev.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// EncodeImage extracts a 128-d descriptor from an image, for enrollment.
func (c *Client) EncodeImage(ctx context.Context, image []byte, filename string) (face.Descriptor, error) {
	if c.Skip {
		mock := make(face.Descriptor, face.Dim)
		for i := range mock {
			mock[i] = float64(i%7)*0.05 - 0.15
		}
		return mock, nil
	}

	body, contentType, err := imageForm(image, filename, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out struct {
		Descriptor face.Descriptor `json:"descriptor"`
		Error      string          `json:"error"`
	}
	if err := c.post(ctx, "/encode-image", body, contentType, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		// The service reports "no face" as a JSON error field, not a status code.
		if strings.Contains(strings.ToLower(out.Error), "no face") {
			return nil, ErrNoFace
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, out.Error)
	}
	if len(out.Descriptor) != face.Dim {
		return nil, fmt.Errorf("%w: descriptor has length %d", ErrUnavailable, len(out.Descriptor))
	}
	return out.Descriptor, nil
}

// MatchImage uploads a probe image plus the tenant's enrolled remote
// descriptors and returns the service's best-match decision, or nil when
// nothing matched. The match threshold lives in the service, not here.
func (c *Client) MatchImage(ctx context.Context, image []byte, filename string, enrolled []EnrolledMember) (*MatchResult, error) {
	if c.Skip {
		if len(enrolled) == 0 {
			return nil, nil
		}
		return &MatchResult{RegNo: enrolled[0].RegNo, Name: enrolled[0].Name}, nil
	}

	enrolledJSON, err := json.Marshal(enrolled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body, contentType, err := imageForm(image, filename, map[string]string{"enrolled": string(enrolledJSON)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out struct {
		RegNo int    `json:"regNo"`
		Name  string `json:"name"`
		Match *bool  `json:"match"`
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/match-image", body, contentType, &out); err != nil {
		return nil, err
	}
	switch {
	case out.Error != "":
		if strings.Contains(strings.ToLower(out.Error), "no face") {
			return nil, ErrNoFace
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, out.Error)
	case out.Match != nil && !*out.Match:
		return nil, nil
	case out.RegNo != 0:
		return &MatchResult{RegNo: out.RegNo, Name: out.Name}, nil
	}
	return nil, nil
}

// Health checks if the face service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body *bytes.Buffer, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, truncate(raw, 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return nil
}

func imageForm(image []byte, filename string, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
