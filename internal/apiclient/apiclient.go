// Package apiclient talks to the central coordinating server, which owns the
// project list and the language model catalog. Both lists are snapshotted to
// disk so a run can start even when the server is temporarily unreachable.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

const (
	projectsPath = "/api/story_processor/projects.json"
	modelsPath   = "/api/story_processor/language_models.json"

	projectsSnapshot = "projects.json"
	modelsSnapshot   = "language-models.json"
)

// Client fetches configuration from the central server.
type Client struct {
	baseURL   string
	apiKey    string
	configDir string
	client    *http.Client
}

// NewClient creates a config client. configDir receives the last-good
// snapshots; it is created on first write.
func NewClient(baseURL, apiKey, configDir string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		configDir: configDir,
		client:    &http.Client{Timeout: timeout},
	}
}

// GetProjects fetches the project list from the central server.
func (c *Client) GetProjects(ctx context.Context) ([]core.Project, error) {
	var projects []core.Project
	if err := c.getJSON(ctx, projectsPath, &projects); err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("%w: server returned an empty project list", core.ErrConfig)
	}
	return projects, nil
}

// GetLanguageModels fetches the model catalog from the central server.
func (c *Client) GetLanguageModels(ctx context.Context) ([]core.ModelSpec, error) {
	var models []core.ModelSpec
	if err := c.getJSON(ctx, modelsPath, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// LoadProjects returns the project list, preferring the server and falling
// back to the disk snapshot. A successful fetch refreshes the snapshot.
func (c *Client) LoadProjects(ctx context.Context) ([]core.Project, error) {
	projects, err := c.GetProjects(ctx)
	if err == nil {
		if saveErr := c.saveSnapshot(projectsSnapshot, projects); saveErr != nil {
			logger.Warn("could not refresh project snapshot", "error", saveErr.Error())
		}
		return projects, nil
	}
	logger.Warn("project list fetch failed, trying disk snapshot", "error", err.Error())

	var cached []core.Project
	if readErr := c.readSnapshot(projectsSnapshot, &cached); readErr != nil {
		return nil, fmt.Errorf("%w: no server and no snapshot: %v", core.ErrConfig, err)
	}
	if len(cached) == 0 {
		return nil, fmt.Errorf("%w: snapshot holds no projects", core.ErrConfig)
	}
	return cached, nil
}

// LoadLanguageModels returns the model catalog, preferring the server and
// falling back to the disk snapshot.
func (c *Client) LoadLanguageModels(ctx context.Context) ([]core.ModelSpec, error) {
	models, err := c.GetLanguageModels(ctx)
	if err == nil {
		if saveErr := c.saveSnapshot(modelsSnapshot, models); saveErr != nil {
			logger.Warn("could not refresh model snapshot", "error", saveErr.Error())
		}
		return models, nil
	}
	logger.Warn("model catalog fetch failed, trying disk snapshot", "error", err.Error())

	var cached []core.ModelSpec
	if readErr := c.readSnapshot(modelsSnapshot, &cached); readErr != nil {
		return nil, fmt.Errorf("%w: no server and no snapshot: %v", core.ErrConfig, err)
	}
	return cached, nil
}

// RefreshToDisk fetches both lists and persists them, failing when either
// fetch fails. Used by entrypoints that must start from fresh config.
func (c *Client) RefreshToDisk(ctx context.Context) error {
	projects, err := c.GetProjects(ctx)
	if err != nil {
		return err
	}
	models, err := c.GetLanguageModels(ctx)
	if err != nil {
		return err
	}
	if err := c.saveSnapshot(projectsSnapshot, projects); err != nil {
		return err
	}
	return c.saveSnapshot(modelsSnapshot, models)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	endpoint := c.baseURL + path + "?apikey=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: building request for %s: %v", core.ErrConfig, path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %v", core.ErrConfig, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", core.ErrConfig, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", core.ErrConfig, path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", core.ErrConfig, path, err)
	}
	return nil
}

// saveSnapshot writes the value to the config directory atomically so a
// crashed write never corrupts the last good copy.
func (c *Client) saveSnapshot(name string, value any) error {
	if err := os.MkdirAll(c.configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	target := filepath.Join(c.configDir, name)
	tmp, err := os.CreateTemp(c.configDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing snapshot %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing snapshot %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), target)
}

func (c *Client) readSnapshot(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(c.configDir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
