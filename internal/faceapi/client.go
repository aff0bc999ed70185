package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Client talks to a Face++ compatible face detection/comparison API.
// Detect and Compare are independent, side-effect-free network calls with
// per-request timeouts.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// New builds a client. The zero Timeout defaults to 10s.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Configured reports whether usable credentials are present. Placeholder
// keys shorter than six characters are treated as unconfigured.
func (c *Client) Configured() bool {
	return len(c.apiKey) > 5
}

type detectResponse struct {
	ErrorMessage string `json:"error_message"`
	Faces        []struct {
		FaceToken string `json:"face_token"`
	} `json:"faces"`
}

type compareResponse struct {
	ErrorMessage string   `json:"error_message"`
	Confidence   *float64 `json:"confidence"`
}

// Detect submits an image and returns the face token of the first detected
// face. If the API rejects the encoding, the image is re-encoded to JPEG and
// resubmitted exactly once before the failure is surfaced.
func (c *Client) Detect(ctx context.Context, image []byte, filename string) (string, error) {
	if !c.Configured() {
		return "", newError(KindConfig, "face API key is not configured", nil)
	}
	if len(image) == 0 {
		return "", newError(KindValidation, "empty image payload", nil)
	}

	token, err := c.detectOnce(ctx, image, filename)
	if err == nil {
		return token, nil
	}

	if !isFormatError(err) {
		return "", err
	}

	c.logger.Info("unsupported image format, re-encoding to JPEG", zap.String("filename", filename))
	converted, convErr := reencodeJPEG(image)
	if convErr != nil {
		return "", newError(KindValidation, "unsupported image format, upload a JPG or PNG photo", convErr)
	}
	return c.detectOnce(ctx, converted, "converted.jpg")
}

func (c *Client) detectOnce(ctx context.Context, image []byte, filename string) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	_ = mw.WriteField("api_key", c.apiKey)
	_ = mw.WriteField("api_secret", c.apiSecret)
	_ = mw.WriteField("return_attributes", "gender,age")
	part, err := mw.CreateFormFile("image_file", filename)
	if err != nil {
		return "", newError(KindTransient, "build multipart request", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", newError(KindTransient, "build multipart request", err)
	}
	if err := mw.Close(); err != nil {
		return "", newError(KindTransient, "build multipart request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", body)
	if err != nil {
		return "", newError(KindTransient, "build detect request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result detectResponse
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	if result.ErrorMessage != "" {
		return "", classifyAPIError(result.ErrorMessage)
	}
	if len(result.Faces) == 0 {
		return "", newError(KindNoFace, "no face detected, upload a photo with a clearly visible face", nil)
	}
	return result.Faces[0].FaceToken, nil
}

// Compare returns the similarity confidence between two face tokens on a
// 0-100 scale.
func (c *Client) Compare(ctx context.Context, tokenA, tokenB string) (float64, error) {
	if !c.Configured() {
		return 0, newError(KindConfig, "face API key is not configured", nil)
	}
	if tokenA == "" || tokenB == "" {
		return 0, newError(KindValidation, "empty face token", nil)
	}

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("api_secret", c.apiSecret)
	form.Set("face_token1", tokenA)
	form.Set("face_token2", tokenB)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compare", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, newError(KindTransient, "build compare request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result compareResponse
	if err := c.do(req, &result); err != nil {
		return 0, err
	}
	if result.ErrorMessage != "" {
		return 0, classifyAPIError(result.ErrorMessage)
	}
	if result.Confidence == nil {
		return 0, newError(KindTransient, "face API response missing confidence", nil)
	}
	return *result.Confidence, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindTransient, "face API unreachable, check network connectivity", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newError(KindTransient, "read face API response", err)
	}
	// The API reports errors in the JSON body even on non-2xx statuses, so
	// decode first and only fall back to the status code.
	if err := json.Unmarshal(body, out); err != nil {
		return newError(KindTransient, fmt.Sprintf("unexpected face API response (status %d)", resp.StatusCode), err)
	}
	return nil
}

func isFormatError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != KindValidation || e.cause == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(e.cause.Error()), "IMAGE_ERROR_UNSUPPORTED_FORMAT")
}

// reencodeJPEG decodes the image and re-encodes it as baseline JPEG,
// dropping any alpha channel.
func reencodeJPEG(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
