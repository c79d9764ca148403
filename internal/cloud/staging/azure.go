package staging

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/models"
)

// AzureBackend puts blobs into the user's container with a SAS token.
type AzureBackend struct {
	client    *azblob.Client
	container string
}

// NewAzureBackend builds a blob client from the platform-issued SAS token.
func NewAzureBackend(storage *models.StorageInfo, creds *models.AzureCredentials, httpClient *nethttp.Client) (*AzureBackend, error) {
	if storage.ConnectionSettings.Container == "" {
		return nil, fmt.Errorf("Azure container not found in ConnectionSettings.Container")
	}
	sasURL, err := buildSASURL(storage, creds)
	if err != nil {
		return nil, err
	}
	opts := &azblob.ClientOptions{}
	if httpClient != nil {
		opts.ClientOptions = azcore.ClientOptions{Transport: httpClient}
	}
	client, err := azblob.NewClientWithNoCredential(sasURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureBackend{client: client, container: storage.ConnectionSettings.Container}, nil
}

// buildSASURL prefers the account URL handed out with the credentials and
// falls back to the account name from the user's storage settings.
func buildSASURL(storage *models.StorageInfo, creds *models.AzureCredentials) (string, error) {
	if len(creds.Paths) > 0 && creds.Paths[0] != "" {
		sasURL := creds.Paths[0]
		if !strings.Contains(sasURL, "?") {
			sasURL += "?" + creds.SASToken
		}
		return sasURL, nil
	}
	account := storage.ConnectionSettings.AccountName
	if account == "" {
		return "", fmt.Errorf("Azure storage account name not found in ConnectionSettings.AccountName")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/?%s", account, creds.SASToken), nil
}

// Container returns the blob container name.
func (b *AzureBackend) Container() string { return b.container }

// Put uploads body as a block blob.
func (b *AzureBackend) Put(ctx context.Context, key string, body io.ReadSeeker, _ int64) error {
	_, err := b.client.UploadStream(ctx, b.container, key, body, &azblob.UploadStreamOptions{
		BlockSize:   constants.StagingBlockSize,
		Concurrency: constants.StagingConcurrency,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", b.container, key, err)
	}
	return nil
}
