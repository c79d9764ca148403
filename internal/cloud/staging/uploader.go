// Package staging implements the staged transfer mode: batch files are put
// straight into the user's default storage (S3 or Azure Blob) and then
// registered with the platform, which answers with the provisional records.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/http"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/validation"
)

// Storage types reported by /api/v3/users/me/
const (
	StorageS3    = "S3Storage"
	StorageAzure = "AzureStorage"
)

// ErrUnsupportedStorage is returned when the user's default storage is neither
// S3 nor Azure, or the matching credentials are missing.
var ErrUnsupportedStorage = errors.New("unsupported storage type")

// API is the platform surface the staged mode needs. *api.Client implements it.
type API interface {
	GetUserProfile(ctx context.Context) (*models.UserProfile, error)
	GetStorageCredentials(ctx context.Context) (*models.S3Credentials, *models.AzureCredentials, error)
	RegisterStagedBatch(ctx context.Context, kind models.AssetKind, req *models.StagedBatchRequest) ([]models.ValidationRecord, error)
}

// Backend puts one object into storage.
type Backend interface {
	Container() string
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

// BackendFactory builds the backend for the user's storage.
type BackendFactory func(ctx context.Context, storage *models.StorageInfo, s3Creds *models.S3Credentials, azureCreds *models.AzureCredentials) (Backend, error)

// Uploader implements transfer.Uploader for the staged mode.
type Uploader struct {
	api        API
	newBackend BackendFactory
	logger     *logging.Logger
}

// NewUploader creates an uploader whose storage traffic goes through the
// transfer HTTP client built from cfg.
func NewUploader(api API, cfg *config.Config, logger *logging.Logger) (*Uploader, error) {
	httpClient, err := http.CreateTransferClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer client: %w", err)
	}
	return NewUploaderWithFactory(api, DefaultBackendFactory(httpClient), logger), nil
}

// NewUploaderWithFactory creates an uploader with a custom backend factory.
func NewUploaderWithFactory(api API, factory BackendFactory, logger *logging.Logger) *Uploader {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return &Uploader{api: api, newBackend: factory, logger: logger}
}

// DefaultBackendFactory picks S3 or Azure by storage type.
func DefaultBackendFactory(httpClient *nethttp.Client) BackendFactory {
	return func(ctx context.Context, storage *models.StorageInfo, s3Creds *models.S3Credentials, azureCreds *models.AzureCredentials) (Backend, error) {
		switch storage.StorageType {
		case StorageS3:
			if s3Creds == nil {
				return nil, fmt.Errorf("%w: no S3 credentials for %s", ErrUnsupportedStorage, storage.ID)
			}
			return NewS3Backend(ctx, storage, s3Creds, httpClient)
		case StorageAzure:
			if azureCreds == nil {
				return nil, fmt.Errorf("%w: no Azure credentials for %s", ErrUnsupportedStorage, storage.ID)
			}
			return NewAzureBackend(storage, azureCreds, httpClient)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedStorage, storage.StorageType)
		}
	}
}

// ObjectKey returns the storage key of one batch file.
func ObjectKey(pathBase, batchID, relPath string) string {
	return strings.TrimPrefix(path.Join(pathBase, "assets", batchID, relPath), "/")
}

// UploadBatch stages every file in order, then registers the batch.
func (u *Uploader) UploadBatch(ctx context.Context, batch *models.UploadBatch, onProgress func(sent, total int64)) ([]models.ValidationRecord, error) {
	profile, err := u.api.GetUserProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	s3Creds, azureCreds, err := u.api.GetStorageCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("get storage credentials: %w", err)
	}
	storage := profile.DefaultStorage
	backend, err := u.newBackend(ctx, &storage, s3Creds, azureCreds)
	if err != nil {
		return nil, err
	}

	log := u.logger.With().Str("batch_id", batch.ID).Str("storage", storage.StorageType).Logger()
	total := batch.TotalBytes()
	var sent atomic.Int64

	staged := make([]models.StagedFile, 0, len(batch.Files))
	for _, f := range batch.Files {
		if err := validation.ValidateRelPath(f.RelPath); err != nil {
			return nil, fmt.Errorf("stage %s: %w", f.RelPath, err)
		}
		key := ObjectKey(storage.ConnectionSettings.PathBase, batch.ID, f.RelPath)
		if err := u.putFile(ctx, backend, key, f, &sent, total, onProgress); err != nil {
			return nil, fmt.Errorf("stage %s: %w", f.RelPath, err)
		}
		log.Debug().Str("key", key).Int64("size", f.Size).Msg("file staged")
		staged = append(staged, models.StagedFile{
			RelPath:   f.RelPath,
			Container: backend.Container(),
			Key:       key,
			Size:      f.Size,
			Hint:      f.Hint,
		})
	}

	records, err := u.api.RegisterStagedBatch(ctx, batch.Kind, &models.StagedBatchRequest{
		BatchID:   batch.ID,
		Folder:    batch.Folder,
		StorageID: storage.ID,
		Files:     staged,
	})
	if err != nil {
		return nil, fmt.Errorf("register staged batch: %w", err)
	}
	log.Info().Int("files", len(staged)).Msg("staged batch registered")
	return records, nil
}

func (u *Uploader) putFile(ctx context.Context, backend Backend, key string, f models.FileHandle, sent *atomic.Int64, total int64, onProgress func(sent, total int64)) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	body := &progressFile{file: file, base: sent.Load(), total: total, onProgress: onProgress}
	if err := backend.Put(ctx, key, body, f.Size); err != nil {
		return err
	}
	sent.Add(f.Size)
	return nil
}

// progressFile reports cumulative batch progress while a file is read. A
// seek back to the start, as SDK retries do, rewinds the count.
type progressFile struct {
	file       *os.File
	base       int64
	read       int64
	total      int64
	onProgress func(sent, total int64)
}

func (p *progressFile) Read(b []byte) (int, error) {
	n, err := p.file.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.base+p.read, p.total)
		}
	}
	return n, err
}

func (p *progressFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.file.Seek(offset, whence)
	if err == nil {
		p.read = pos
	}
	return pos, err
}
