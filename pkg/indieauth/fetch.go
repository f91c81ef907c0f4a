// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package indieauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"willnorris.com/go/microformats"
)

// maxDocumentSize caps fetched client and profile documents (1MB).
const maxDocumentSize = 1024 * 1024

// ClientInfo is what a client-identifier page declares about itself.
type ClientInfo struct {
	Name string
	Logo string
	URL  string

	// RedirectURIs are the page's rel=redirect_uri alternates.
	RedirectURIs []string
}

// ProfileInfo is what a profile URL's h-card declares, plus the rels
// the ticket machinery needs.
type ProfileInfo struct {
	Name  string
	URL   string
	Photo string
	Email string

	TicketEndpoint string
}

// Fetcher retrieves and parses remote microformats2 documents.
type Fetcher struct {
	client *http.Client
}

// NewFetcher wraps an HTTP client, usually built by pkg/networking.
func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// FetchClientInfo retrieves the client-identifier page and extracts
// its h-app properties and redirect_uri rels.
func (f *Fetcher) FetchClientInfo(ctx context.Context, clientID *url.URL) (*ClientInfo, error) {
	data, err := f.fetch(ctx, clientID)
	if err != nil {
		return nil, err
	}

	info := &ClientInfo{
		RedirectURIs: data.Rels["redirect_uri"],
	}

	if app := findMicroformat(data.Items, "h-app", "h-x-app"); app != nil {
		info.Name = firstProperty(app, "name")
		info.Logo = firstProperty(app, "logo")
		info.URL = firstProperty(app, "url")
	}
	return info, nil
}

// FetchProfile retrieves a profile URL and extracts its h-card plus
// the ticket_endpoint rel.
func (f *Fetcher) FetchProfile(ctx context.Context, profile *url.URL) (*ProfileInfo, error) {
	data, err := f.fetch(ctx, profile)
	if err != nil {
		return nil, err
	}

	info := &ProfileInfo{}
	if rels := data.Rels["ticket_endpoint"]; len(rels) > 0 {
		info.TicketEndpoint = rels[0]
	}

	if card := findMicroformat(data.Items, "h-card"); card != nil {
		info.Name = firstProperty(card, "name")
		info.URL = firstProperty(card, "url")
		info.Photo = firstProperty(card, "photo")
		// u-email values are usually mailto: links; keep the address.
		info.Email = strings.TrimPrefix(firstProperty(card, "email"), "mailto:")
	}
	return info, nil
}

// DeliverTicket posts a freshly minted ticket to a subject's
// ticket_endpoint per the TicketAuth flow.
func (f *Fetcher) DeliverTicket(ctx context.Context, endpoint string, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver ticket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ticket delivery refused: status %d", resp.StatusCode)
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL) (*microformats.Data, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
	}

	return microformats.Parse(io.LimitReader(resp.Body, maxDocumentSize), resp.Request.URL), nil
}

// findMicroformat returns the first item (walking children) matching
// any of the given types.
func findMicroformat(items []*microformats.Microformat, types ...string) *microformats.Microformat {
	for _, item := range items {
		for _, itemType := range item.Type {
			for _, want := range types {
				if itemType == want {
					return item
				}
			}
		}
		if found := findMicroformat(item.Children, types...); found != nil {
			return found
		}
	}
	return nil
}

// firstProperty extracts the first string value of a property,
// unwrapping the value map img/alt form.
func firstProperty(item *microformats.Microformat, name string) string {
	for _, value := range item.Properties[name] {
		switch v := value.(type) {
		case string:
			return v
		case map[string]string:
			if s, ok := v["value"]; ok {
				return s
			}
		case *microformats.Microformat:
			if v.Value != "" {
				return v.Value
			}
		}
	}
	return ""
}
