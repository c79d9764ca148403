package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"os"
	"sync/atomic"

	"github.com/rescale/rescale-assets/internal/models"
)

// ProgressFunc receives cumulative bytes sent and the batch total.
type ProgressFunc = func(sent, total int64)

// progressReader reports cumulative progress after every read.
type progressReader struct {
	r       io.Reader
	sent    *atomic.Int64
	total   int64
	onChunk ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onChunk != nil {
		p.onChunk(p.sent.Add(int64(n)), p.total)
	}
	return n, err
}

// UploadBatch streams a batch to the multipart upload endpoint and returns
// the provisional records. The body is produced through a pipe, so nothing is
// buffered in memory and cancelling ctx aborts the request immediately.
// Uploads are never retried.
func (c *Client) UploadBatch(ctx context.Context, batch *models.UploadBatch, onProgress ProgressFunc) ([]models.ValidationRecord, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	var sent atomic.Int64
	total := batch.TotalBytes()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		pw.CloseWithError(writeBatchParts(mw, batch, &sent, total, onProgress))
	}()

	req, err := c.newRequest(ctx, nethttp.MethodPost, "/api/v3/assets/"+batch.Kind.Plural()+"/upload/", pr)
	if err != nil {
		pr.CloseWithError(err)
		<-writerDone
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(c.uploadClient, req)
	if err != nil {
		pr.CloseWithError(err)
		<-writerDone
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	// The server may answer before consuming the whole body
	pr.CloseWithError(io.ErrClosedPipe)
	<-writerDone

	if err := checkStatus("upload batch", resp); err != nil {
		return nil, err
	}
	return decodeRecords(resp.Body, batch.Kind)
}

func writeBatchParts(mw *multipart.Writer, batch *models.UploadBatch, sent *atomic.Int64, total int64, onProgress ProgressFunc) error {
	if batch.IsFolder() {
		if err := mw.WriteField("folder", batch.Folder); err != nil {
			return err
		}
	}

	for _, f := range batch.Files {
		if f.Hint != "" {
			if err := mw.WriteField("hints", f.RelPath+"="+string(f.Hint)); err != nil {
				return err
			}
		}
	}

	for _, f := range batch.Files {
		if err := writeFilePart(mw, f, sent, total, onProgress); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, f models.FileHandle, sent *atomic.Int64, total int64, onProgress ProgressFunc) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer file.Close()

	part, err := mw.CreateFormFile("files", f.RelPath)
	if err != nil {
		return err
	}

	src := &progressReader{r: file, sent: sent, total: total, onChunk: onProgress}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to stream %s: %w", f.RelPath, err)
	}
	return nil
}
