package models

// S3Credentials represents S3 storage credentials from /api/v3/credentials/
type S3Credentials struct {
	StorageType  string `json:"storageType"` // "S3Storage"
	StorageDir   string `json:"storageDir"`
	AccessKeyID  string `json:"accessKey"`
	SecretKey    string `json:"secretKey"`
	SessionToken string `json:"sessionToken"`
}

// AzureCredentials represents Azure storage credentials from /api/v3/credentials/
type AzureCredentials struct {
	StorageType string   `json:"storageType"` // "AzureStorage"
	StorageDir  string   `json:"storageDir"`
	SASToken    string   `json:"sasToken"`
	Paths       []string `json:"paths"`
}

// UserProfile represents the subset of /api/v3/users/me/ used for staging.
type UserProfile struct {
	Email          string      `json:"email"`
	DefaultStorage StorageInfo `json:"defaultStorage"`
}

// StorageInfo represents storage configuration
type StorageInfo struct {
	ID                 string             `json:"id"`
	StorageType        string             `json:"storageType"` // "S3Storage" or "AzureStorage"
	ConnectionSettings ConnectionSettings `json:"connectionSettings"`
}

// ConnectionSettings represents storage connection details
type ConnectionSettings struct {
	Region      string `json:"region"`      // AWS region (S3)
	Container   string `json:"container"`   // S3 bucket or Azure container
	PathBase    string `json:"pathBase"`    // Key prefix inside the container
	AccountName string `json:"accountName"` // Azure storage account name (Azure only)
}

// StagedFile references a batch file already placed in object storage.
type StagedFile struct {
	RelPath   string `json:"relPath"`
	Container string `json:"container"`
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	Hint      Hint   `json:"hint,omitempty"`
}

// StagedBatchRequest registers staged files as a batch.
type StagedBatchRequest struct {
	BatchID   string       `json:"batchId"`
	Folder    string       `json:"folder,omitempty"`
	StorageID string       `json:"storageId"`
	Files     []StagedFile `json:"files"`
}
