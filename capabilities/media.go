package capabilities

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/client"
	"github.com/fedsync/fedclient/internal"
)

// MediaManager uploads content and resolves mxc URIs to fetchable HTTP
// URLs.
type MediaManager struct {
	session *client.Session
	logger  zerolog.Logger
}

func NewMediaManager(session *client.Session, logger zerolog.Logger) *MediaManager {
	return &MediaManager{
		session: session,
		logger:  logger.With().Str("capability", "media").Logger(),
	}
}

func (m *MediaManager) Name() string { return "media" }

func (m *MediaManager) Dispose() {}

// Upload stores data on the homeserver and returns its mxc URI.
func (m *MediaManager) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &internal.StateError{Op: "Upload", Reason: "no data to upload"}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	qps := url.Values{}
	if filename != "" {
		qps.Set("filename", filename)
	}
	body, err := m.session.HTTP.DoMedia(ctx, "POST", "/upload", qps, contentType, data)
	if err != nil {
		return "", err
	}
	uri := gjson.GetBytes(body, "content_uri").Str
	if uri == "" {
		return "", &internal.DecodeError{What: "upload response", Err: fmt.Errorf("response missing content_uri")}
	}
	return uri, nil
}

// DownloadURL resolves an mxc URI to the HTTP URL it can be fetched from.
func (m *MediaManager) DownloadURL(mxcURI string) (string, error) {
	server, mediaID, err := parseMXC(mxcURI)
	if err != nil {
		return "", err
	}
	return m.session.HTTP.BaseURL() + "/_matrix/media/r0/download/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID), nil
}

// ThumbnailURL resolves an mxc URI to a server-side thumbnail URL. method is
// "crop" or "scale"; empty means "scale".
func (m *MediaManager) ThumbnailURL(mxcURI string, width, height int, method string) (string, error) {
	server, mediaID, err := parseMXC(mxcURI)
	if err != nil {
		return "", err
	}
	if width <= 0 || height <= 0 {
		return "", &internal.StateError{Op: "ThumbnailURL", Reason: "width and height must be positive"}
	}
	if method == "" {
		method = "scale"
	}
	qps := url.Values{}
	qps.Set("width", strconv.Itoa(width))
	qps.Set("height", strconv.Itoa(height))
	qps.Set("method", method)
	return m.session.HTTP.BaseURL() + "/_matrix/media/r0/thumbnail/" + url.PathEscape(server) + "/" + url.PathEscape(mediaID) + "?" + qps.Encode(), nil
}

// parseMXC splits "mxc://server/mediaID".
func parseMXC(mxcURI string) (server, mediaID string, err error) {
	const scheme = "mxc://"
	if !strings.HasPrefix(mxcURI, scheme) {
		return "", "", &internal.StateError{Op: "parseMXC", Reason: "not an mxc URI: " + mxcURI}
	}
	rest := strings.TrimPrefix(mxcURI, scheme)
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", &internal.StateError{Op: "parseMXC", Reason: "malformed mxc URI: " + mxcURI}
	}
	return rest[:idx], rest[idx+1:], nil
}
