package store

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

var errUploadParse = errors.New("UploadParseError: no directory/file record in add response")

// UploadFile streams a single file to the daemon's /api/v0/add endpoint.
// If pin is true the upload request pins synchronously server-side;
// callers that want the bulletproof pin contract (with fallback and
// verification) should instead call PinAndAnnounce separately and pass
// pin=false here.
func (c *Client) UploadFile(jobID, path string, pin bool) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat upload file %q: %w", path, err)
	}
	sizeMB := float64(info.Size()) / (1024 * 1024)
	timeout := uploadTimeout(config.UploadFileBaseTimeout, config.UploadFilePerMBTimeout, sizeMB, config.UploadFileCapTimeout)

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening upload file %q: %w", path, err)
	}
	var closeOnce sync.Once
	closeFile := func() { closeOnce.Do(func() { f.Close() }) }
	defer closeFile()

	cid, err := c.multipartAdd(jobID, map[string]io.Reader{filepath.Base(path): f}, filepath.Base(path), pin, false, timeout)
	closeFile()
	return cid, err
}

// UploadDirectory walks dirPath recursively, uploading its tree with
// wrap-with-directory=true&recursive=true, exactly as spec.md §4.3
// requires. UploadDirectory makes no pin attempt of its own beyond the
// add request's pin flag: onPinFailed, when non-nil, is invoked with
// reason "lazy_pin_requested" after every successful upload, and is not
// invoked when the upload fails.
func (c *Client) UploadDirectory(jobID, dirPath string, pin bool, onPinFailed func(cid, reason string)) (string, error) {
	var totalSize int64
	readers := map[string]io.Reader{}
	var openFiles []*os.File

	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	err := filepath.Walk(dirPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filepath.Dir(dirPath), p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		openFiles = append(openFiles, f)
		readers[rel] = f
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking upload directory %q: %w", dirPath, err)
	}

	sizeMB := float64(totalSize) / (1024 * 1024)
	timeout := uploadTimeout(config.UploadDirBaseTimeout, config.UploadDirPerMBTimeout, sizeMB, config.UploadDirCapTimeout)

	cid, err := c.multipartAdd(jobID, readers, filepath.Base(dirPath), pin, true, timeout)
	if err != nil {
		return "", err
	}

	if onPinFailed != nil {
		onPinFailed(cid, "lazy_pin_requested")
	}

	return cid, nil
}

func (c *Client) multipartAdd(jobID string, files map[string]io.Reader, rootName string, pin, wrapDir bool, timeout time.Duration) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()
		for name, r := range files {
			part, err := mw.CreateFormFile("file", name)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, r); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	query := "/api/v0/add?recursive=true"
	if wrapDir {
		query += "&wrap-with-directory=true"
	}
	if pin {
		query += "&pin=true"
	}

	req, err := http.NewRequest(http.MethodPost, c.daemonURL(query), pr)
	if err != nil {
		return "", fmt.Errorf("building add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("add request for %s: %w", rootName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("add request for %s returned %d: %s", rootName, resp.StatusCode, xlog.RedactLogs(string(body), "\n"))
	}

	cid, err := parseAddResponse(resp.Body, rootName)
	if err != nil {
		return "", err
	}
	xlog.Log(jobID, "uploaded to content store", "root", rootName, "cid", cid)
	return cid, nil
}
