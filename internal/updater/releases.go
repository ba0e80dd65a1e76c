package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Asset represents a release asset
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Release represents a GitHub release
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// ReleasesAPI resolves firmware images from a GitHub releases endpoint
type ReleasesAPI struct {
	baseURL string
	client  *http.Client
}

// NewReleasesAPI creates a new releases API client
func NewReleasesAPI(baseURL string) *ReleasesAPI {
	return &ReleasesAPI{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetReleases fetches releases from the GitHub API
func (g *ReleasesAPI) GetReleases(ctx context.Context) ([]Release, error) {
	if g.baseURL == "" {
		return nil, fmt.Errorf("no releases URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "librescoot-fota-service")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return releases, nil
}

// Latest returns the newest published release carrying an asset whose name
// ends in suffix, together with that asset
func (g *ReleasesAPI) Latest(ctx context.Context, suffix string) (Release, Asset, error) {
	releases, err := g.GetReleases(ctx)
	if err != nil {
		return Release{}, Asset{}, err
	}

	release, asset, found := findLatestRelease(releases, suffix)
	if !found {
		return Release{}, Asset{}, fmt.Errorf("no release with a %q asset found", suffix)
	}
	return release, asset, nil
}

func findLatestRelease(releases []Release, suffix string) (Release, Asset, bool) {
	var latestRelease Release
	var latestAsset Asset
	found := false

	for _, release := range releases {
		if release.Draft {
			continue
		}

		for _, asset := range release.Assets {
			if !strings.HasSuffix(asset.Name, suffix) {
				continue
			}
			if !found || release.PublishedAt.After(latestRelease.PublishedAt) {
				latestRelease = release
				latestAsset = asset
				found = true
			}
			break
		}
	}

	return latestRelease, latestAsset, found
}
