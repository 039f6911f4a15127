package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GoogleStore reads secrets from Google Secret Manager using
// Application Default Credentials. Secret names map to
// projects/<project>/secrets/<name>/versions/latest.
type GoogleStore struct {
	client  *secretmanager.Client
	project string
}

var _ Store = (*GoogleStore)(nil)

// NewGoogleStore creates a GoogleStore for the given project.
func NewGoogleStore(ctx context.Context, project string) (*GoogleStore, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	return &GoogleStore{client: client, project: project}, nil
}

func (s *GoogleStore) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.project, name),
	})
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}
	data := resp.GetPayload().GetData()
	if len(data) == 0 {
		return nil, fmt.Errorf("secret %s: empty payload", name)
	}
	return data, nil
}

// Close releases the underlying API client.
func (s *GoogleStore) Close() error {
	return s.client.Close()
}
