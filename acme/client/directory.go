package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

func (c *Client) getDirectory(ctx context.Context) (map[string]any, error) {
	url := c.DirectoryURL.String()

	resp, err := c.net.GetURL(ctx, url)
	if err != nil {
		return nil, err
	}

	var directory map[string]any
	err = json.Unmarshal(resp.RespBody, &directory)
	if err != nil {
		return nil, err
	}

	return directory, nil
}

// Directory fetches the ACME Directory resource from the ACME server and
// returns it deserialized as a map. The directory is cached after the first
// fetch.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) Directory(ctx context.Context) (map[string]any, error) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	if c.directory == nil {
		newDir, err := c.getDirectory(ctx)
		if err != nil {
			return nil, err
		}
		c.directory = newDir
		log.Debug().Str("url", c.DirectoryURL.String()).Msg("fetched directory")
	}

	return c.directory, nil
}

// GetEndpointURL gets a URL for a specific ACME endpoint URL by first
// fetching the ACME server's directory and then checking that directory
// resource for a key with the given name. If the key is found its value is
// returned along with a true bool. If the key is not found an empty string
// is returned with a false bool.
func (c *Client) GetEndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", false
	}
	rawURL, ok := dir[name]
	if !ok {
		return "", false
	}
	switch v := rawURL.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	}
	return "", false
}
