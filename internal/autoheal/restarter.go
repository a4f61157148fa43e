package autoheal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fleetplane/fleetplane/internal/config"
)

// HTTPRestarter remediates by POSTing to each target's restart URL.
type HTTPRestarter struct {
	client *http.Client
	urls   map[string]string
}

// NewHTTPRestarter builds the restarter from the managed target set.
func NewHTTPRestarter(targets []config.TargetConfig) *HTTPRestarter {
	urls := make(map[string]string)
	for _, target := range targets {
		if target.Managed && target.RestartURL != "" {
			urls[target.ID] = target.RestartURL
		}
	}
	return &HTTPRestarter{client: &http.Client{}, urls: urls}
}

func (r *HTTPRestarter) Restart(ctx context.Context, targetID string) error {
	url, ok := r.urls[targetID]
	if !ok {
		return fmt.Errorf("no restart url configured for %s", targetID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build restart request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("restart returned status %d", resp.StatusCode)
	}
	return nil
}
