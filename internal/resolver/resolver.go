// Package resolver defines the pluggable source-resolution capability. The
// pipeline only depends on the SourceResolver interface; site-specific
// extraction is supplied by the embedding application.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
)

// Candidate is one resolved media stream the fetcher can pull.
type Candidate struct {
	URL           string
	Container     string
	Codec         string
	Size          int64 // -1 when unknown
	SupportsRange bool
	Checksum      string // optional, hex sha256 advertised by the resolver
}

// SourceResolver turns a user-submitted source reference into candidate
// streams. Implementations return at least one candidate or an error.
type SourceResolver interface {
	Resolve(ctx context.Context, sourceRef string) ([]Candidate, error)
}

// DirectResolver resolves plain http/https URLs that point straight at a
// media file. It probes the target with a HEAD request to learn size,
// content type and range support.
type DirectResolver struct {
	client *http.Client
}

// NewDirectResolver creates a resolver with the given HTTP client; nil gets
// a client with a modest probe timeout.
func NewDirectResolver(client *http.Client) *DirectResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &DirectResolver{client: client}
}

func (r *DirectResolver) Resolve(ctx context.Context, sourceRef string) ([]Candidate, error) {
	if !ValidURL(sourceRef) {
		return nil, fmt.Errorf("%w: %q is not a valid http(s) URL", domain.ErrResolution, sourceRef)
	}

	cand := Candidate{URL: sourceRef, Size: -1}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceRef, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrResolution, err)
	}

	// The probe is advisory. Servers that reject HEAD still get a
	// candidate; the fetcher discovers the rest.
	resp, err := r.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if resp.ContentLength > 0 {
				cand.Size = resp.ContentLength
			}
			cand.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
			cand.Container = containerFromContentType(resp.Header.Get("Content-Type"))
		} else if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusMethodNotAllowed {
			return nil, fmt.Errorf("%w: source returned status %d", domain.ErrResolution, resp.StatusCode)
		}
	}

	return []Candidate{cand}, nil
}

// ValidURL reports whether ref is an absolute http or https URL with a
// host, matching what the web layer accepts from users.
func ValidURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func containerFromContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "video/mp4"):
		return "mp4"
	case strings.HasPrefix(contentType, "video/webm"):
		return "webm"
	case strings.HasPrefix(contentType, "audio/mpeg"):
		return "mp3"
	}
	return ""
}
