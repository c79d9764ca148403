package models

// FileHandle is one selected file. For folder uploads RelPath is the path
// inside the folder (slash separated); for discrete files it equals the base name.
type FileHandle struct {
	Path    string `json:"path"`
	RelPath string `json:"relPath"`
	Size    int64  `json:"size"`
	Hint    Hint   `json:"hint,omitempty"`
}

// UploadBatch is a finalized selection ready for submission.
// Folder is non-empty only for folder uploads, which exclude multi-file uploads.
type UploadBatch struct {
	ID     string       `json:"id"`
	Kind   AssetKind    `json:"kind"`
	Folder string       `json:"folder,omitempty"`
	Files  []FileHandle `json:"files"`
}

// IsFolder returns true when the batch groups the entries of a single folder.
func (b *UploadBatch) IsFolder() bool {
	return b.Folder != ""
}

// TotalBytes returns the sum of all file sizes.
func (b *UploadBatch) TotalBytes() int64 {
	var total int64
	for _, f := range b.Files {
		total += f.Size
	}
	return total
}
