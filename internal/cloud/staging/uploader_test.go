package staging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

type fakeAPI struct {
	profile    *models.UserProfile
	s3Creds    *models.S3Credentials
	azureCreds *models.AzureCredentials
	credsErr   error

	registered *models.StagedBatchRequest
	kind       models.AssetKind
}

func (f *fakeAPI) GetUserProfile(ctx context.Context) (*models.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeAPI) GetStorageCredentials(ctx context.Context) (*models.S3Credentials, *models.AzureCredentials, error) {
	return f.s3Creds, f.azureCreds, f.credsErr
}

func (f *fakeAPI) RegisterStagedBatch(ctx context.Context, kind models.AssetKind, req *models.StagedBatchRequest) ([]models.ValidationRecord, error) {
	f.kind = kind
	f.registered = req
	records := make([]models.ValidationRecord, 0, len(req.Files))
	for _, sf := range req.Files {
		records = append(records, models.ValidationRecord{ID: "rec-" + sf.RelPath, Name: sf.RelPath, Kind: kind, Status: models.StatusPending})
	}
	return records, nil
}

type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
	rewind  bool
}

func (b *fakeBackend) Container() string { return "bucket" }

func (b *fakeBackend) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	if key == b.failKey {
		return errors.New("access denied")
	}
	if b.rewind {
		// read a little, then start over the way an SDK retry does
		_, _ = io.ReadFull(body, make([]byte, 3))
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = data
	return nil
}

func s3Profile() *models.UserProfile {
	return &models.UserProfile{DefaultStorage: models.StorageInfo{
		ID:          "st-1",
		StorageType: StorageS3,
		ConnectionSettings: models.ConnectionSettings{
			Region:    "us-east-1",
			Container: "bucket",
			PathBase:  "/user/abc",
		},
	}}
}

func writeBatch(t *testing.T) *models.UploadBatch {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{"a.csv": "0123456789", "b.csv": "abcdefghij"}
	batch := &models.UploadBatch{ID: "batch-1", Kind: models.KindDataset}
	for _, name := range []string{"a.csv", "b.csv"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(files[name]), 0o644))
		batch.Files = append(batch.Files, models.FileHandle{Path: p, RelPath: name, Size: 10})
	}
	return batch
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "user/abc/assets/b1/dir/x.csv", ObjectKey("/user/abc", "b1", "dir/x.csv"))
	assert.Equal(t, "assets/b1/x.csv", ObjectKey("", "b1", "x.csv"))
}

func TestUploadBatch_StagesAndRegisters(t *testing.T) {
	api := &fakeAPI{profile: s3Profile(), s3Creds: &models.S3Credentials{AccessKeyID: "k"}}
	backend := &fakeBackend{rewind: true}
	var storageSeen *models.StorageInfo
	u := NewUploaderWithFactory(api, func(ctx context.Context, storage *models.StorageInfo, s3c *models.S3Credentials, azc *models.AzureCredentials) (Backend, error) {
		storageSeen = storage
		return backend, nil
	}, logging.NewNopLogger())

	var last int64
	records, err := u.UploadBatch(context.Background(), writeBatch(t), func(sent, total int64) {
		assert.Equal(t, int64(20), total)
		last = sent
	})
	require.NoError(t, err)

	assert.Equal(t, StorageS3, storageSeen.StorageType)
	assert.Equal(t, int64(20), last)
	assert.Equal(t, "0123456789", string(backend.objects["user/abc/assets/batch-1/a.csv"]))
	assert.Equal(t, "abcdefghij", string(backend.objects["user/abc/assets/batch-1/b.csv"]))

	require.NotNil(t, api.registered)
	assert.Equal(t, models.KindDataset, api.kind)
	assert.Equal(t, "batch-1", api.registered.BatchID)
	assert.Equal(t, "st-1", api.registered.StorageID)
	require.Len(t, api.registered.Files, 2)
	assert.Equal(t, "bucket", api.registered.Files[0].Container)
	assert.Equal(t, "user/abc/assets/batch-1/a.csv", api.registered.Files[0].Key)

	require.Len(t, records, 2)
	assert.Equal(t, models.StatusPending, records[1].Status)
}

func TestUploadBatch_PutFailureSkipsRegistration(t *testing.T) {
	api := &fakeAPI{profile: s3Profile(), s3Creds: &models.S3Credentials{}}
	backend := &fakeBackend{failKey: "user/abc/assets/batch-1/b.csv"}
	u := NewUploaderWithFactory(api, func(context.Context, *models.StorageInfo, *models.S3Credentials, *models.AzureCredentials) (Backend, error) {
		return backend, nil
	}, logging.NewNopLogger())

	_, err := u.UploadBatch(context.Background(), writeBatch(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.csv")
	assert.Nil(t, api.registered)
}

func TestUploadBatch_CredentialError(t *testing.T) {
	api := &fakeAPI{profile: s3Profile(), credsErr: errors.New("forbidden")}
	u := NewUploaderWithFactory(api, DefaultBackendFactory(nil), logging.NewNopLogger())
	_, err := u.UploadBatch(context.Background(), writeBatch(t), nil)
	assert.ErrorContains(t, err, "get storage credentials")
}

func TestDefaultBackendFactory(t *testing.T) {
	factory := DefaultBackendFactory(nil)
	ctx := context.Background()

	storage := s3Profile().DefaultStorage
	_, err := factory(ctx, &storage, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedStorage)

	b, err := factory(ctx, &storage, &models.S3Credentials{AccessKeyID: "id", SecretKey: "secret"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "bucket", b.Container())

	azure := models.StorageInfo{StorageType: StorageAzure, ConnectionSettings: models.ConnectionSettings{Container: "assets", AccountName: "acct"}}
	b, err = factory(ctx, &azure, nil, &models.AzureCredentials{SASToken: "sv=1&sig=x"})
	require.NoError(t, err)
	assert.Equal(t, "assets", b.Container())

	other := models.StorageInfo{StorageType: "GCSStorage"}
	_, err = factory(ctx, &other, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedStorage)
}

func TestBuildSASURL(t *testing.T) {
	storage := &models.StorageInfo{ConnectionSettings: models.ConnectionSettings{AccountName: "acct"}}

	u, err := buildSASURL(storage, &models.AzureCredentials{SASToken: "sig=1"})
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/?sig=1", u)

	u, err = buildSASURL(storage, &models.AzureCredentials{SASToken: "sig=1", Paths: []string{"https://other.blob.core.windows.net/c"}})
	require.NoError(t, err)
	assert.Equal(t, "https://other.blob.core.windows.net/c?sig=1", u)

	u, err = buildSASURL(storage, &models.AzureCredentials{SASToken: "sig=1", Paths: []string{"https://other.blob.core.windows.net/c?sig=2"}})
	require.NoError(t, err)
	assert.Equal(t, "https://other.blob.core.windows.net/c?sig=2", u)

	_, err = buildSASURL(&models.StorageInfo{}, &models.AzureCredentials{})
	assert.Error(t, err)
}
