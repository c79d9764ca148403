package validation

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/models"
)

// Reason identifies which selection rule was violated.
type Reason string

const (
	ReasonEmpty           Reason = "empty selection"
	ReasonTooManyFiles    Reason = "too many files"
	ReasonFileTooLarge    Reason = "file too large"
	ReasonDuplicateName   Reason = "duplicate file name"
	ReasonMixedSelection  Reason = "folders cannot be combined with other files or folders"
	ReasonZeroBytes       Reason = "selection contains no data"
	ReasonNotRegular      Reason = "not a regular file"
	ReasonInvalidName     Reason = "invalid file name"
	ReasonInvalidHint     Reason = "invalid hint"
	ReasonUnknownKind     Reason = "unknown asset kind"
	ReasonUnreadable      Reason = "cannot read file"
	ReasonHintsNotAllowed Reason = "hints are only accepted for pipelines"
)

// SelectionError is returned when a batch would violate the size, count or
// naming rules. It is always raised before any network call.
type SelectionError struct {
	Reason Reason
	File   string // offending file, empty for batch-wide violations
	Detail string
}

func (e *SelectionError) Error() string {
	msg := "invalid selection: " + string(e.Reason)
	if e.File != "" {
		msg += ": " + e.File
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func selErr(reason Reason, file, detail string) *SelectionError {
	return &SelectionError{Reason: reason, File: file, Detail: detail}
}

// BuildBatch turns user-selected paths into an UploadBatch.
//
// A single directory becomes a folder batch containing every non-hidden
// regular file below it. Otherwise every path must be a regular file.
// hints maps a file's relative path to its classification and is only
// accepted for pipelines.
func BuildBatch(kind models.AssetKind, paths []string, hints map[string]models.Hint) (*models.UploadBatch, error) {
	if len(paths) == 0 {
		return nil, selErr(ReasonEmpty, "", "")
	}

	type entry struct {
		path string
		info os.FileInfo
	}
	entries := make([]entry, 0, len(paths))
	dirs := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, selErr(ReasonUnreadable, p, err.Error())
		}
		if info.IsDir() {
			dirs++
		}
		entries = append(entries, entry{path: p, info: info})
	}

	batch := &models.UploadBatch{Kind: kind}

	if dirs > 0 {
		if len(entries) != 1 {
			return nil, selErr(ReasonMixedSelection, "", fmt.Sprintf("%d paths selected, %d of them folders", len(entries), dirs))
		}
		root := entries[0].path
		batch.Folder = filepath.Base(filepath.Clean(root))
		files, err := walkFolder(root)
		if err != nil {
			return nil, err
		}
		batch.Files = files
	} else {
		for _, e := range entries {
			if !e.info.Mode().IsRegular() {
				return nil, selErr(ReasonNotRegular, e.path, "")
			}
			batch.Files = append(batch.Files, models.FileHandle{
				Path:    e.path,
				RelPath: filepath.Base(e.path),
				Size:    e.info.Size(),
			})
		}
	}

	if err := applyHints(batch, hints); err != nil {
		return nil, err
	}

	if err := ValidateBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func walkFolder(root string) ([]models.FileHandle, error) {
	var files []models.FileHandle
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return selErr(ReasonUnreadable, p, err.Error())
		}
		if p == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return selErr(ReasonUnreadable, p, err.Error())
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return selErr(ReasonUnreadable, p, err.Error())
		}
		files = append(files, models.FileHandle{
			Path:    p,
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func applyHints(batch *models.UploadBatch, hints map[string]models.Hint) error {
	if len(hints) == 0 {
		return nil
	}
	if !batch.Kind.AcceptsHints() {
		return selErr(ReasonHintsNotAllowed, "", string(batch.Kind))
	}
	index := make(map[string]int, len(batch.Files))
	for i, f := range batch.Files {
		index[f.RelPath] = i
	}
	for rel, hint := range hints {
		i, ok := index[filepath.ToSlash(rel)]
		if !ok {
			return selErr(ReasonInvalidHint, rel, "no such file in selection")
		}
		batch.Files[i].Hint = hint
	}
	return nil
}

// ValidateBatch checks a batch against the selection rules without touching
// the filesystem.
func ValidateBatch(batch *models.UploadBatch) error {
	if batch == nil || len(batch.Files) == 0 {
		return selErr(ReasonEmpty, "", "")
	}

	known := false
	for _, k := range models.AllKinds {
		if batch.Kind == k {
			known = true
		}
	}
	if !known {
		return selErr(ReasonUnknownKind, "", string(batch.Kind))
	}

	if !batch.IsFolder() && len(batch.Files) > constants.MaxBatchFiles {
		return selErr(ReasonTooManyFiles, "", fmt.Sprintf("%d selected, at most %d allowed", len(batch.Files), constants.MaxBatchFiles))
	}

	if batch.IsFolder() {
		if err := ValidateFilename(batch.Folder); err != nil {
			return selErr(ReasonInvalidName, batch.Folder, err.Error())
		}
	}

	seen := make(map[string]bool, len(batch.Files))
	for _, f := range batch.Files {
		if batch.IsFolder() {
			if err := ValidateRelPath(f.RelPath); err != nil {
				return selErr(ReasonInvalidName, f.RelPath, err.Error())
			}
		} else if err := ValidateFilename(f.RelPath); err != nil {
			return selErr(ReasonInvalidName, f.RelPath, err.Error())
		}
		if seen[f.RelPath] {
			return selErr(ReasonDuplicateName, f.RelPath, "")
		}
		seen[f.RelPath] = true

		if f.Size > constants.MaxFileSize {
			return selErr(ReasonFileTooLarge, f.RelPath, fmt.Sprintf("%d bytes, at most %d allowed", f.Size, constants.MaxFileSize))
		}
		if f.Hint != "" {
			if !batch.Kind.AcceptsHints() {
				return selErr(ReasonHintsNotAllowed, f.RelPath, string(batch.Kind))
			}
			if !models.ValidHint(f.Hint) {
				return selErr(ReasonInvalidHint, f.RelPath, string(f.Hint))
			}
		}
	}

	if batch.TotalBytes() == 0 {
		return selErr(ReasonZeroBytes, "", "")
	}
	return nil
}
