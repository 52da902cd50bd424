// Package mediaserver implements the library-refresh client for the media
// server fronting the library directory. The server only needs to be poked
// after finalization; everything else about it lives outside the daemon.
package mediaserver

import (
	"net"
	"net/http"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/persist"
)

const (
	// requestTimeout bounds one refresh round trip.
	requestTimeout = 15 * time.Second

	// dialTimeout bounds the TCP connect to the server.
	dialTimeout = 5 * time.Second
)

// Client pokes one media server.
type Client struct {
	url       string
	apiKey    string
	libraryID string
	client    *http.Client
	log       *persist.Logger
}

// New returns a client for the media server at url. libraryID, if non-empty,
// narrows the refresh to one library.
func New(url, apiKey, libraryID string, log *persist.Logger) *Client {
	return &Client{
		url:       strings.TrimRight(url, "/"),
		apiKey:    apiKey,
		libraryID: libraryID,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
		},
		log: log,
	}
}

// RefreshLibrary asks the server to rescan the library. The worker treats a
// failure here as non-fatal; the job completes either way.
func (c *Client) RefreshLibrary() error {
	path := c.url + "/Library/Refresh"
	if c.libraryID != "" {
		path = c.url + "/Items/" + c.libraryID + "/Refresh"
	}
	req, err := http.NewRequest(http.MethodPost, path, nil)
	if err != nil {
		return errors.AddContext(err, "unable to build refresh request")
	}
	if c.apiKey != "" {
		req.Header.Set("X-MediaBrowser-Token", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.AddContext(err, "media server unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New("media server refresh returned status " + resp.Status)
	}
	c.log.Debugln("media server refresh accepted")
	return nil
}
