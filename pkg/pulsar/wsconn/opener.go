package wsconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 30 * time.Second

	// Matches the broker's default maximum message size.
	defaultReadLimit = 5 * 1024 * 1024
)

// AuthorizationProvider is a function that returns an authorization header value.
// It receives a context and should return the authorization value (e.g., "Bearer token123")
// or an error if authorization cannot be obtained.
type AuthorizationProvider func(ctx context.Context) (string, error)

// Opener dials broker endpoints. It implements pulsar.Opener.
type Opener struct {
	url          string
	logger       *zap.Logger
	dialTimeout  time.Duration
	readLimit    int64
	authProvider AuthorizationProvider
	headers      map[string][]string
}

// Open dials baseURL+endpoint and returns the connection.
func (o *Opener) Open(ctx context.Context, endpoint string) (pulsar.Conn, error) {
	target := strings.TrimRight(o.url, "/") + endpoint

	dialCtx, dialCancel := context.WithTimeout(ctx, o.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}

	if o.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string)
		for key, values := range o.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	// Set authorization header if configured (this may override a custom Authorization header)
	if o.authProvider != nil {
		authValue, err := o.authProvider(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get authorization: %v", pulsar.ErrConnectFailed, err)
		}
		if authValue != "" {
			if dialOptions.HTTPHeader == nil {
				dialOptions.HTTPHeader = make(map[string][]string)
			}
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, target, dialOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pulsar.ErrConnectFailed, target, err)
	}
	conn.SetReadLimit(o.readLimit)

	o.logger.Debug("WebSocket connection opened", zap.String("url", target))

	return newConn(endpoint, conn, o.logger), nil
}

// OpenerBuilder provides a fluent interface for building Openers.
type OpenerBuilder struct {
	url          string
	logger       *zap.Logger
	dialTimeout  time.Duration
	readLimit    int64
	authProvider AuthorizationProvider
	headers      map[string][]string
}

// NewOpener creates a new Opener builder.
func NewOpener() *OpenerBuilder {
	return &OpenerBuilder{
		dialTimeout: defaultDialTimeout,
		readLimit:   defaultReadLimit,
		logger:      zap.NewNop(),
	}
}

// WithURL sets the broker base URL, e.g. ws://localhost:8080.
func (b *OpenerBuilder) WithURL(url string) *OpenerBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger used by the Opener and every Conn it opens.
func (b *OpenerBuilder) WithLogger(logger *zap.Logger) *OpenerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing each connection.
func (b *OpenerBuilder) WithDialTimeout(timeout time.Duration) *OpenerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithReadLimit sets the maximum frame size accepted from the broker.
func (b *OpenerBuilder) WithReadLimit(limit int64) *OpenerBuilder {
	if limit > 0 {
		b.readLimit = limit
	}
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *OpenerBuilder) WithAuthorization(authHeader string) *OpenerBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets a function called on every dial to obtain the Authorization header.
func (b *OpenerBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *OpenerBuilder {
	b.authProvider = provider
	return b
}

// WithHeaders merges headers into the set sent with every handshake.
// The values are passed through to the broker untouched.
func (b *OpenerBuilder) WithHeaders(headers map[string][]string) *OpenerBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single handshake header.
func (b *OpenerBuilder) WithHeader(key, value string) *OpenerBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// Build creates the Opener.
func (b *OpenerBuilder) Build() (*Opener, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Opener{
		url:          b.url,
		logger:       b.logger,
		dialTimeout:  b.dialTimeout,
		readLimit:    b.readLimit,
		authProvider: b.authProvider,
		headers:      b.headers,
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *OpenerBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.dialTimeout <= 0 {
		b.dialTimeout = defaultDialTimeout
	}

	return nil
}
