// Package entities asks the configured entity server to tag people, places
// and dates in article text. Entities are decoration on a story: every
// failure here degrades to "no entities" and the story proceeds.
package entities

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	fromContentPath = "entities/from-content"
	fromURLPath     = "entities/from-url"
)

// acceptedTypes is the allowlist of entity types worth posting; everything
// else the tagger emits (ORG, MONEY, PERCENT, ...) is noise for this domain.
var acceptedTypes = map[string]bool{
	"PERSON": true,
	"PER":    true,
	"GPE":    true,
	"LOC":    true,
	"FAC":    true,
	"DATE":   true,
	"TIME":   true,
	"C_DATE": true,
	"C_AGE":  true,
}

// Client talks to the entity server. A nil or unconfigured client is valid
// and tags nothing.
type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewClient creates an entity server client. baseURL may be empty when no
// server is deployed.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     logger.Get(),
	}
}

// Configured reports whether an entity server address is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// FromContent tags entities in already-extracted text.
func (c *Client) FromContent(ctx context.Context, text, language string) []core.Entity {
	return c.post(ctx, fromContentPath, url.Values{
		"text":     {text},
		"language": {language},
	})
}

// FromURL asks the server to fetch the page itself before tagging.
func (c *Client) FromURL(ctx context.Context, pageURL, language string) []core.Entity {
	return c.post(ctx, fromURLPath, url.Values{
		"url":      {pageURL},
		"language": {language},
	})
}

// entityResponse is the entity server envelope.
type entityResponse struct {
	Status  string `json:"status"`
	Results struct {
		Entities []core.Entity `json:"entities"`
	} `json:"results"`
}

func (c *Client) post(ctx context.Context, path string, form url.Values) []core.Entity {
	if !c.Configured() {
		return nil
	}

	endpoint := c.baseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		c.log.Warn("Entity request build failed", "endpoint", endpoint, "error", err.Error())
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("Entity server unreachable", "endpoint", endpoint, "error", err.Error())
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("Entity server error", "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}

	var payload entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.log.Warn("Entity response decode failed", "endpoint", endpoint, "error", err.Error())
		return nil
	}
	if payload.Status != "ok" {
		c.log.Warn("Entity server rejected request", "endpoint", endpoint, "status", payload.Status)
		return nil
	}

	return filterEntities(payload.Results.Entities)
}

// filterEntities keeps allowlisted types and lowercases the surface text so
// the central server can aggregate without case folding.
func filterEntities(raw []core.Entity) []core.Entity {
	var kept []core.Entity
	for _, entity := range raw {
		if !acceptedTypes[entity.Type] {
			continue
		}
		kept = append(kept, core.Entity{
			Type: entity.Type,
			Text: strings.ToLower(entity.Text),
		})
	}
	return kept
}
