package mockserver

import (
	"errors"
	"io"
	"mime"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rescale/rescale-assets/internal/models"
	"github.com/rescale/rescale-assets/internal/validation"
)

func kindParam(c echo.Context) (models.AssetKind, error) {
	kind, err := models.ParseAssetKind(c.Param("kind"))
	if err != nil {
		return "", echo.NewHTTPError(nethttp.StatusNotFound, err.Error())
	}
	return kind, nil
}

// partFilename returns the filename parameter as sent. Part.FileName strips
// directories, which folder uploads rely on.
func partFilename(contentDisposition string) string {
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (s *Server) handleUpload(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	reader, err := c.Request().MultipartReader()
	if err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "expected multipart body: "+err.Error())
	}

	var files []string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return echo.NewHTTPError(nethttp.StatusBadRequest, "malformed multipart body: "+err.Error())
		}
		if part.FormName() == "files" {
			name := partFilename(part.Header.Get("Content-Disposition"))
			if err := validation.ValidateRelPath(name); err != nil {
				part.Close()
				return echo.NewHTTPError(nethttp.StatusBadRequest, err.Error())
			}
			files = append(files, name)
		}
		if _, err := io.Copy(io.Discard, part); err != nil {
			return echo.NewHTTPError(nethttp.StatusBadRequest, "upload interrupted: "+err.Error())
		}
		part.Close()
	}
	if len(files) == 0 {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "no files in upload")
	}
	return c.JSON(nethttp.StatusCreated, s.createRecords(kind, files))
}

func (s *Server) handleRegister(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	var req models.StagedBatchRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Files) == 0 {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "no files in batch")
	}
	files := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		if f.Key == "" {
			return echo.NewHTTPError(nethttp.StatusBadRequest, "file "+f.RelPath+" has no storage key")
		}
		files = append(files, f.RelPath)
	}
	return c.JSON(nethttp.StatusCreated, s.createRecords(kind, files))
}

// createRecords answers an upload and echoes each record Pending on the stream.
func (s *Server) createRecords(kind models.AssetKind, files []string) []models.ValidationRecord {
	s.mu.Lock()
	records := make([]models.ValidationRecord, 0, len(files))
	for _, f := range files {
		records = append(records, s.createRecord(kind, f))
	}
	s.mu.Unlock()

	for _, rec := range records {
		s.hub.broadcast(models.StatusUpdate{ID: rec.ID, Status: models.StatusPending})
	}
	s.logger.Info().Str("kind", string(kind)).Int("files", len(records)).Msg("mock batch accepted")
	return records
}

func (s *Server) handleGetRecord(c echo.Context) error {
	rec, ok := s.Record(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "record not found")
	}
	return c.JSON(nethttp.StatusOK, rec)
}

func (s *Server) handleUpdateMetadata(c echo.Context) error {
	var update models.MetadataUpdate
	if err := c.Bind(&update); err != nil {
		return err
	}
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return echo.NewHTTPError(nethttp.StatusNotFound, "record not found")
	}

	if update.Status != nil {
		if *update.Status != models.StatusCancelled {
			return echo.NewHTTPError(nethttp.StatusBadRequest, "only Cancelled may be set")
		}
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		rec.Status = models.StatusCancelled
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return echo.NewHTTPError(nethttp.StatusBadRequest, "name must not be empty")
		}
		if owner, taken := s.names[rec.Kind][name]; taken && owner != id {
			return echo.NewHTTPError(nethttp.StatusConflict, "name already in use")
		}
		delete(s.names[rec.Kind], rec.Name)
		rec.Name = name
		s.claimName(rec.Kind, name, id)
		update.Name = &name
	}
	if update.Description != nil {
		rec.Description = *update.Description
	}
	rec.UpdatedAt = time.Now().UTC()
	return c.JSON(nethttp.StatusOK, update)
}

func (s *Server) handleUserProfile(c echo.Context) error {
	return c.JSON(nethttp.StatusOK, models.UserProfile{
		Email: "mock@localhost",
		DefaultStorage: models.StorageInfo{
			ID:          "mock-storage",
			StorageType: "S3Storage",
			ConnectionSettings: models.ConnectionSettings{
				Region:    "us-east-1",
				Container: "mock-bucket",
				PathBase:  "mock",
			},
		},
	})
}

func (s *Server) handleCredentials(c echo.Context) error {
	return c.JSON(nethttp.StatusOK, models.S3Credentials{
		StorageType:  "S3Storage",
		AccessKeyID:  "MOCKACCESSKEY",
		SecretKey:    "mock-secret",
		SessionToken: "mock-session",
	})
}
