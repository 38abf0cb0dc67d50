package beart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"beart-relay/internal/imagefmt"
	"beart-relay/internal/observability/metrics"
)

// Vendor envelope codes.
const (
	codeSuccess    = 100000
	codeProcessing = 300001
)

// apiHeaders is the fixed header set the vendor expects on every call. The
// values mirror the browser session the product serial was issued for and are
// not negotiable.
var apiHeaders = map[string]string{
	"accept":             "*/*",
	"accept-language":    "zh-CN,zh;q=0.9",
	"origin":             "https://beart.ai",
	"priority":           "u=1, i",
	"product-code":       "067003",
	"referer":            "https://beart.ai/",
	"sec-ch-ua":          `"Google Chrome";v="129", "Not=A?Brand";v="8", "Chromium";v="129"`,
	"sec-ch-ua-mobile":   "?0",
	"sec-ch-ua-platform": `"Windows"`,
	"sec-fetch-dest":     "empty",
	"sec-fetch-mode":     "cors",
	"sec-fetch-site":     "same-site",
	"user-agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64)...",
}

type jobEnvelope struct {
	Code   int       `json:"code"`
	Result jobResult `json:"result"`
}

type jobResult struct {
	JobID  string   `json:"job_id"`
	Output []string `json:"output"`
}

// Client talks to the BeArt face-swap API.
type Client struct {
	config Config
}

// CreateJob submits a swap job and returns the vendor job ID. The source
// buffer is the face to transplant, the target buffer the scene receiving it.
func (c *Client) CreateJob(ctx context.Context, source, target []byte) (string, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	// Field names are the vendor's inverted ones; see the package comment.
	if err := writeImagePart(form, "target_image", "target.jpg", source); err != nil {
		return "", fmt.Errorf("%w: build form: %v", ErrJobCreate, err)
	}
	if err := writeImagePart(form, "swap_image", "source.jpg", target); err != nil {
		return "", fmt.Errorf("%w: build form: %v", ErrJobCreate, err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("%w: build form: %v", ErrJobCreate, err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/api/beart/face-swap/create-job"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobCreate, err)
	}
	c.applyHeaders(req)
	req.Header.Set("product-serial", c.config.ProductSerial)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobCreate, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrJobCreate, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: %s", ErrJobCreate, resp.Status, strings.TrimSpace(string(data)))
	}
	var envelope jobEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrJobCreate, err)
	}
	if envelope.Code != codeSuccess || envelope.Result.JobID == "" {
		return "", fmt.Errorf("%w: %s", ErrJobCreate, strings.TrimSpace(string(data)))
	}
	return envelope.Result.JobID, nil
}

// PollJob requests the job status until the vendor reports completion, a
// terminal response arrives, the attempt ceiling is reached, or ctx is
// cancelled. It returns the URL of the finished image.
func (c *Client) PollJob(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("%w: job ID is required", ErrResultFetch)
	}
	url := strings.TrimRight(c.config.BaseURL, "/") + "/api/beart/face-swap/get-job/" + jobID
	for attempt := 1; attempt <= c.config.PollAttempts; attempt++ {
		metrics.ObservePollRound()
		output, processing, err := c.fetchStatus(ctx, url)
		if err != nil {
			return "", err
		}
		if !processing {
			return output, nil
		}
		c.config.Logger.Debug("face swap job still processing", "jobID", jobID, "attempt", attempt)
		if c.config.PollInterval > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.config.PollInterval):
			}
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
		}
	}
	metrics.PollExhausted()
	return "", ErrRetriesExceeded
}

// fetchStatus performs one get-job request. processing is true only for the
// vendor's still-working code; every other unsuccessful shape is terminal.
func (c *Client) fetchStatus(ctx context.Context, url string) (output string, processing bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrResultFetch, err)
	}
	c.applyHeaders(req)
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrResultFetch, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("%w: read response: %v", ErrResultFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: %s: %s", ErrResultFetch, resp.Status, strings.TrimSpace(string(data)))
	}
	var envelope jobEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", false, fmt.Errorf("%w: decode response: %v", ErrResultFetch, err)
	}
	switch envelope.Code {
	case codeSuccess:
		if len(envelope.Result.Output) == 0 {
			return "", false, fmt.Errorf("%w: response carried no output", ErrResultFetch)
		}
		return envelope.Result.Output[0], false, nil
	case codeProcessing:
		return "", true, nil
	default:
		return "", false, fmt.Errorf("%w: vendor code %d", ErrResultFetch, envelope.Code)
	}
}

func (c *Client) applyHeaders(req *http.Request) {
	for name, value := range apiHeaders {
		req.Header.Set(name, value)
	}
}

func writeImagePart(form *multipart.Writer, field, filename string, data []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", imagefmt.MIME(data))
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}
