package client

import (
	"fmt"
	"net/url"
)

// WebSocketURL derives the streaming endpoint from the server's HTTP URL:
// the scheme flips to ws/wss, the path becomes /ws, and the client id rides
// in the query string.
func WebSocketURL(serverURL, clientID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q: must be http or https", u.Scheme)
	}

	u.Path = "/ws"
	q := url.Values{}
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
