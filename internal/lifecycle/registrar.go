package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHubRegistrar implements Registrar against the GitHub REST API. It
// exchanges the long-lived credential for a repository-scoped runner
// registration token, which the execution environment consumes exactly
// once.
type GitHubRegistrar struct {
	// BaseURL overrides the API endpoint for GitHub Enterprise Server
	// installs. Empty means github.com.
	BaseURL string
}

var _ Registrar = (*GitHubRegistrar)(nil)

// RegistrationToken requests a registration token for ownerRepo. The
// client is built per call -- the credential lives for one invocation
// and is never retained.
func (g *GitHubRegistrar) RegistrationToken(ctx context.Context, credential []byte, ownerRepo string) (string, error) {
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("repository %q is not \"owner/repo\"", ownerRepo)
	}

	client := github.NewClient(nil).WithAuthToken(string(credential))
	if g.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(g.BaseURL, g.BaseURL)
		if err != nil {
			return "", fmt.Errorf("configuring enterprise endpoint: %w", err)
		}
	}

	token, _, err := client.Actions.CreateRegistrationToken(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("registration token for %s: %w", ownerRepo, err)
	}
	if token.GetToken() == "" {
		return "", fmt.Errorf("registration token for %s: empty token in response", ownerRepo)
	}
	return token.GetToken(), nil
}
