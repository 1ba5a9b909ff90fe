package dfdb

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const defaultMaxRetries = 3

// path suffix of the delta stream resource, relative to the base url
const deltaStreamPath = "/subscriptions/stream"

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type ConnectionSettings struct {
	RequestTimeout time.Duration
	MaxRetries     int
	// optional bearer token attached to every request
	Token string
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		RequestTimeout: defaultHttpTimeout,
		MaxRetries:     defaultMaxRetries,
	}
}

// Connection is the immutable configuration shared by the transport and the
// delta stream. It is read-only after construction and safe for concurrent use.
type Connection struct {
	baseUrl  string
	settings *ConnectionSettings

	// pooled, tolerates concurrent in-flight requests
	httpClient *http.Client
}

func NewConnection(baseUrl string) (*Connection, error) {
	return NewConnectionWithSettings(baseUrl, DefaultConnectionSettings())
}

func NewConnectionWithSettings(baseUrl string, settings *ConnectionSettings) (*Connection, error) {
	if baseUrl == "" {
		return nil, fmt.Errorf("connection requires a base url")
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("bad base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("base url scheme must be http or https: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url requires a host")
	}
	if settings.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	if settings.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}

	return &Connection{
		baseUrl:    strings.TrimSuffix(baseUrl, "/"),
		settings:   settings,
		httpClient: defaultClient(),
	}, nil
}

func (self *Connection) Url(path string) string {
	return fmt.Sprintf("%s%s", self.baseUrl, path)
}

// StreamUrl maps the base url scheme http->ws, https->wss and appends the
// delta stream path.
func (self *Connection) StreamUrl() string {
	streamUrl := self.Url(deltaStreamPath)
	if strings.HasPrefix(streamUrl, "https") {
		return fmt.Sprintf("wss%s", strings.TrimPrefix(streamUrl, "https"))
	}
	return fmt.Sprintf("ws%s", strings.TrimPrefix(streamUrl, "http"))
}

func (self *Connection) RequestTimeout() time.Duration {
	return self.settings.RequestTimeout
}

func (self *Connection) MaxRetries() int {
	return self.settings.MaxRetries
}

func (self *Connection) Token() string {
	return self.settings.Token
}
