package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DBCDK/deploy-notifier/internal/types"
	"github.com/DBCDK/deploy-notifier/internal/util"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxDocumentBytes   = 8 << 20
	userAgent          = "deploy-notifier/v1"
)

// HTTPStoreConfig holds the configuration for creating an HTTPStore.
type HTTPStoreConfig struct {
	// Endpoint is the base URL tables are stored under.
	Endpoint string
	Login    Login
	// Owner is the namespace the notifier runs in, used as key prefix.
	Owner          string
	TimeoutSeconds int
}

// HTTPStore keeps tables as blobs on an HTTP endpoint that supports GET and PUT.
type HTTPStore struct {
	httpClient *http.Client
	logger     *zap.Logger
	endpoint   string
	login      Login
	owner      string
}

// NewHTTPStore creates an HTTPStore. Returns an error if the endpoint is invalid.
func NewHTTPStore(logger *zap.Logger, cfg HTTPStoreConfig) (*HTTPStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("store endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid store endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store endpoint must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("store endpoint must include a host")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPStore{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("http-store"),
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		login:      cfg.Login,
		owner:      cfg.Owner,
	}, nil
}

// Name implements Store.
func (s *HTTPStore) Name() string { return "http" }

// Get implements Store.
func (s *HTTPStore) Get(ctx context.Context, namespace string) types.EventTable {
	logger := s.logger.With(zap.String("namespace", namespace))

	data, found, err := s.fetch(ctx, namespace)
	switch {
	case err != nil:
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "error").Inc()
		logger.Warn("Failed to load event table, starting without history", zap.Error(err))
		return types.EventTable{}
	case !found:
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "not_found").Inc()
		logger.Info("No stored event table, starting without history")
		return types.EventTable{}
	}

	table, err := Decode(data)
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "get", "error").Inc()
		logger.Warn("Stored event table is unreadable, starting without history", zap.Error(err))
		return types.EventTable{}
	}
	storeOperationsTotal.WithLabelValues(s.Name(), "get", "success").Inc()
	logger.Info("Loaded event table", zap.Int("deployments", len(table)))
	return table
}

// Put implements Store.
func (s *HTTPStore) Put(ctx context.Context, namespace string, table types.EventTable) error {
	data, err := Encode(namespace, table)
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return err
	}

	req, err := s.newRequest(ctx, http.MethodPut, namespace, bytes.NewReader(data))
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return fmt.Errorf("store event table: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "success").Inc()
		return nil
	default:
		storeOperationsTotal.WithLabelValues(s.Name(), "put", "error").Inc()
		return fmt.Errorf("store event table: endpoint returned HTTP %d", resp.StatusCode)
	}
}

// fetch returns the stored bytes, or found=false on 404.
func (s *HTTPStore) fetch(ctx context.Context, namespace string) ([]byte, bool, error) {
	req, err := s.newRequest(ctx, http.MethodGet, namespace, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read response body: %w", err)
	}
	return data, true, nil
}

func (s *HTTPStore) newRequest(ctx context.Context, method, namespace string, body io.Reader) (*http.Request, error) {
	target := s.endpoint + "/" + url.PathEscape(Key(s.owner, namespace))
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if s.login.Username != "" {
		req.SetBasicAuth(s.login.Username, s.login.Password)
	}
	return req, nil
}

// String returns the endpoint with credentials redacted, for logging.
func (s *HTTPStore) String() string {
	return util.RedactURL(s.endpoint)
}

func drainAndClose(body io.ReadCloser) {
	// Drain and close body to reuse connections.
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
