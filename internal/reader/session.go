package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/robert-malhotra/cmr-tiler/internal/credentials"
)

var (
	// ErrSessionClosed is returned by Fetch after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrLocalFilesDisabled is returned for file:// and bare path URLs unless
	// the factory allows local files.
	ErrLocalFilesDisabled = errors.New("local file access is disabled")
)

// S3API is the subset of the S3 client a session uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SessionFactory builds per-asset sessions from shared, credential-free
// configuration.
type SessionFactory struct {
	aws  aws.Config
	http *http.Client

	trusted    []string
	localFiles bool

	// newS3 builds the S3 client for a session; replaced in tests.
	newS3 func(cfg aws.Config, creds *credentials.S3Credentials) S3API
}

// NewSessionFactory creates a factory from a base AWS config and HTTP client.
func NewSessionFactory(awsCfg aws.Config, httpClient *http.Client) *SessionFactory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &SessionFactory{
		aws:     awsCfg,
		http:    httpClient,
		trusted: credentials.DefaultTrustedDomains,
		newS3:   newS3Client,
	}
}

// WithTrustedDomains replaces the hosts that receive the Earthdata identity
// over HTTPS. Other hosts are fetched anonymously.
func (f *SessionFactory) WithTrustedDomains(domains ...string) *SessionFactory {
	f.trusted = domains
	return f
}

// WithLocalFiles allows file:// and bare path asset URLs.
func (f *SessionFactory) WithLocalFiles() *SessionFactory {
	f.localFiles = true
	return f
}

// LoadSessionFactory loads the default AWS configuration chain for region.
func LoadSessionFactory(ctx context.Context, region string, timeout time.Duration) (*SessionFactory, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSessionFactory(cfg, &http.Client{Timeout: timeout}), nil
}

func newS3Client(cfg aws.Config, creds *credentials.S3Credentials) S3API {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds != nil {
			o.Credentials = awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		}
	})
}

// New opens a session for one asset read. creds scopes S3 access to one
// provider; nil falls back to the ambient AWS chain. id authorizes HTTPS
// requests when present.
func (f *SessionFactory) New(creds *credentials.S3Credentials, id *credentials.Identity) *Session {
	return &Session{factory: f, creds: creds, identity: id}
}

// Session fetches the objects of one asset. It is not shared between assets.
type Session struct {
	factory  *SessionFactory
	creds    *credentials.S3Credentials
	identity *credentials.Identity
	s3       S3API
	closed   bool
}

// Fetch reads the whole object at rawURL: s3://, http(s)://, or, when the
// factory allows local files, file:// or a bare path.
func (s *Session) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid asset URL %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return s.fetchS3(ctx, u)
	case "http", "https":
		return s.fetchHTTP(ctx, rawURL)
	case "file", "":
		if !s.factory.localFiles {
			return nil, fmt.Errorf("%w: %s", ErrLocalFilesDisabled, rawURL)
		}
		if u.Scheme == "" {
			return os.ReadFile(rawURL)
		}
		return os.ReadFile(u.Path)
	}
	return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
}

func (s *Session) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	if s.s3 == nil {
		s.s3 = s.factory.newS3(s.factory.aws, s.creds)
	}
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", u.String(), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *Session) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.URL.Scheme == "https" && credentials.TrustedHost(req.URL.Hostname(), s.factory.trusted) {
		s.identity.Authorize(req)
	}

	resp, err := s.factory.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Close releases the session. Further fetches fail.
func (s *Session) Close() error {
	s.closed = true
	s.s3 = nil
	return nil
}
