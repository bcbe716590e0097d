package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

const maxResponseSize = 1 << 20 // 1MB

// HTTPAdapter fetches metrics as JSON from {baseURL}/{source}/{handle}.
// Per-platform scraping lives behind that endpoint; this adapter only maps
// transport outcomes onto the typed failures.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAdapter creates an HTTPAdapter. The client timeout bounds each call
// unless the caller's context expires first.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Fetch(ctx context.Context, account storage.TrackedAccount) (RawResult, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(account.Source), url.PathEscape(account.Handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewError(ErrMalformed, account, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(account, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(account, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewError(ErrNotFound, account, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(ErrAuthRequired, account, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(ErrRateLimited, account, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, NewError(ErrTimeout, account, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, NewError(ErrUnavailable, account, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, NewError(ErrMalformed, account, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var raw RawResult
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, NewError(ErrMalformed, account, fmt.Errorf("decoding response: %w", err))
	}
	if raw == nil {
		return nil, NewError(ErrMalformed, account, errors.New("empty response object"))
	}
	return raw, nil
}

func classifyTransportError(account storage.TrackedAccount, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrTimeout, account, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewError(ErrTimeout, account, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, io.ErrUnexpectedEOF):
		return NewError(ErrUnavailable, account, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return NewError(ErrUnavailable, account, err)
	}
}
