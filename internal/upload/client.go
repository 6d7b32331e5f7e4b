// Package upload sends the documents of a processing session to the
// backend as a multipart form.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kmcai/portfolio-status/internal/domain"
)

const (
	fieldSessionID = "portfolioId"
	fieldFiles     = "files"
)

// Config holds upload settings.
type Config struct {
	BaseURL     string
	Path        string
	Timeout     time.Duration
	MaxFileSize int64
}

// DefaultConfig returns the settings of the document upload endpoint.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Path:        "/api/DocumentUpload/upload2",
		Timeout:     30 * time.Minute,
		MaxFileSize: 100 << 20,
	}
}

// File is one document to upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FromPath describes the file at path, guessing its content type from the
// extension.
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Open:        func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// Result is the backend's answer to an accepted upload.
type Result struct {
	SessionID string `json:"portfolioId"`
	Status    string `json:"status"`
	Files     int    `json:"-"`
}

// Client posts documents to the backend.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates an upload client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/api/DocumentUpload/upload2"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "upload"),
	}
}

// Upload sends files tagged with sessionID. Files that are too large, empty
// or unnamed are skipped; when none remain ErrNoValidFiles is returned.
// Transport and HTTP failures are *domain.UploadTransportError.
func (c *Client) Upload(ctx context.Context, sessionID string, files []File) (*Result, error) {
	valid := c.Accept(files)
	if len(valid) == 0 {
		return nil, domain.ErrNoValidFiles
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, sessionID, valid))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("Uploading documents", "session_id", sessionID, "files", len(valid), "url", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, &domain.UploadTransportError{Timeout: isTimeout(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.UploadTransportError{StatusCode: resp.StatusCode, Timeout: isTimeout(err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Upload rejected", "status", resp.StatusCode, "session_id", sessionID)
		return nil, &domain.UploadTransportError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	result := &Result{Files: len(valid)}
	if len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return nil, fmt.Errorf("decode upload response: %w", err)
		}
	}
	c.logger.Info("Upload accepted", "session_id", sessionID, "backend_session_id", result.SessionID, "status", result.Status)
	return result, nil
}

// Accept returns the files Upload would send. Unnamed, empty and oversized
// files are dropped with a warning.
func (c *Client) Accept(files []File) []File {
	valid := make([]File, 0, len(files))
	for _, f := range files {
		switch {
		case f.Name == "":
			c.logger.Warn("Skipping file with no name")
		case f.Size > c.cfg.MaxFileSize:
			c.logger.Warn("Skipping file over size limit", "file", f.Name, "size", f.Size, "limit", c.cfg.MaxFileSize)
		case f.Size == 0:
			c.logger.Warn("Skipping empty file", "file", f.Name)
		case f.Open == nil:
			c.logger.Warn("Skipping file with no content", "file", f.Name)
		default:
			valid = append(valid, f)
		}
	}
	return valid
}

func (c *Client) endpoint() (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	ref, err := url.Parse(c.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("parse upload path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func writeForm(mw *multipart.Writer, sessionID string, files []File) error {
	if err := mw.WriteField(fieldSessionID, sessionID); err != nil {
		return fmt.Errorf("write %s: %w", fieldSessionID, err)
	}
	for _, f := range files {
		if err := writeFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFile(mw *multipart.Writer, f File) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldFiles, quoteEscaper.Replace(f.Name)))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
