// Package app orchestrates the scan pipeline: uploaded photos are
// normalized, sent through OCR, split into spine lines, structured into
// bibliographic records, and persisted as a scan.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shelfscan/internal/util"
	"shelfscan/pkg/ai"
	"shelfscan/pkg/auth"
	"shelfscan/pkg/domain"
	"shelfscan/pkg/export"
	"shelfscan/pkg/imaging"
	"shelfscan/pkg/ocr"
	"shelfscan/pkg/storage"
	"shelfscan/pkg/store"
)

const (
	defaultWorkerCount      = 4
	defaultStructureTimeout = 60 * time.Second
)

// Upload is one file received from a client, not yet written to disk.
type Upload struct {
	Filename string
	Content  io.Reader
}

// Options configures an App.
type Options struct {
	UploadDir    string
	ProcessedDir string
	ResultDir    string

	// WorkerCount bounds concurrent structuring calls per request.
	WorkerCount int
	// MinLineLength is the exclusive rune-count threshold for OCR lines.
	MinLineLength int
	// StructureTimeout bounds each per-line structuring call.
	StructureTimeout time.Duration
}

// App wires the pipeline stages together. Objects is optional; when set,
// processed images are archived to object storage after each scan.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	normalizer *imaging.Normalizer
	extractor  ocr.TextExtractor
	structurer ai.SpineStructurer
	objects    storage.ObjectStore

	uploadDir        string
	processedDir     string
	resultDir        string
	workerCount      int
	minLineLength    int
	structureTimeout time.Duration
}

// New creates the working directories and returns a ready App.
func New(st store.Store, sessions store.SessionStore, normalizer *imaging.Normalizer, extractor ocr.TextExtractor, structurer ai.SpineStructurer, objects storage.ObjectStore, opts Options) (*App, error) {
	if st == nil || normalizer == nil || extractor == nil || structurer == nil {
		return nil, errors.New("store, normalizer, extractor and structurer are required")
	}
	for _, dir := range []string{opts.UploadDir, opts.ProcessedDir, opts.ResultDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, errors.New("upload, processed and result dirs are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	structureTimeout := opts.StructureTimeout
	if structureTimeout <= 0 {
		structureTimeout = defaultStructureTimeout
	}
	return &App{
		store:            st,
		sessions:         sessions,
		normalizer:       normalizer,
		extractor:        extractor,
		structurer:       structurer,
		objects:          objects,
		uploadDir:        opts.UploadDir,
		processedDir:     opts.ProcessedDir,
		resultDir:        opts.ResultDir,
		workerCount:      workerCount,
		minLineLength:    opts.MinLineLength,
		structureTimeout: structureTimeout,
	}, nil
}

// Sessions exposes the session store for the web login flow.
func (a *App) Sessions() store.SessionStore { return a.sessions }

// Register creates a new account.
func (a *App) Register(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingFields
	}
	taken, err := a.store.HasUsername(username)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if taken {
		return ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := a.store.CreateUser(domain.User{Username: username, PasswordHash: hash}); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Login verifies credentials and returns the matching user.
func (a *App) Login(username, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, ErrMissingFields
	}
	user, ok, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads a user by id.
func (a *App) GetUser(id uint) (domain.User, bool, error) {
	return a.store.GetUserByID(id)
}

// ProcessUpload runs the full pipeline over a batch of uploaded photos and
// persists the resulting scan. Any image-level failure (save, normalize,
// OCR) aborts the whole request; line-level structuring failures are logged
// and the line is dropped.
func (a *App) ProcessUpload(ctx context.Context, userID uint, uploads []Upload) (domain.Scan, error) {
	if len(uploads) == 0 {
		return domain.Scan{}, ErrNoImages
	}
	logger := util.LoggerFromContext(ctx)

	var imagePaths []string
	var lines []string
	for _, upload := range uploads {
		savedPath, err := a.saveUpload(upload)
		if err != nil {
			return domain.Scan{}, fmt.Errorf("save upload %s: %w", upload.Filename, err)
		}
		processedPath, err := a.normalizer.Normalize(savedPath)
		if err != nil {
			return domain.Scan{}, fmt.Errorf("normalize %s: %w", upload.Filename, err)
		}
		imagePaths = append(imagePaths, processedPath)

		text, err := a.extractor.ExtractText(ctx, processedPath)
		if err != nil {
			return domain.Scan{}, fmt.Errorf("extract text from %s: %w", upload.Filename, err)
		}
		lines = append(lines, filterLines(text, a.minLineLength)...)
	}

	records := a.structureLines(ctx, logger, lines)

	scan, err := a.store.SaveScan(domain.Scan{
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
		ImagePaths: imagePaths,
		Records:    records,
	})
	if err != nil {
		return domain.Scan{}, fmt.Errorf("save scan: %w", err)
	}

	a.archiveImages(ctx, logger, scan.ID, imagePaths)
	return scan, nil
}

// structureLines fans the filtered lines out to the structurer with bounded
// concurrency and collects the successes. Records arrive in completion
// order, not input order.
func (a *App) structureLines(ctx context.Context, logger *slog.Logger, lines []string) []domain.BookRecord {
	records := make([]domain.BookRecord, 0, len(lines))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workerCount)
	for _, line := range lines {
		line := line
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, a.structureTimeout)
			defer cancel()
			record, err := a.structurer.StructureLine(callCtx, line)
			if err != nil {
				logger.Warn("structuring failed, dropping line", "line", line, "err", err)
				return nil
			}
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors, the barrier is what matters here.
	_ = g.Wait()
	return records
}

func (a *App) saveUpload(upload Upload) (string, error) {
	ext := strings.ToLower(filepath.Ext(upload.Filename))
	name := uuid.NewString() + ext
	path := filepath.Join(a.uploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, upload.Content); err != nil {
		return "", err
	}
	return path, nil
}

func objectKey(scanID uint, imagePath string) string {
	return fmt.Sprintf("scans/%d/%s", scanID, filepath.Base(imagePath))
}

// archiveImages pushes processed images to object storage. Failures are
// logged and never affect the request outcome.
func (a *App) archiveImages(ctx context.Context, logger *slog.Logger, scanID uint, paths []string) {
	if a.objects == nil {
		return
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			logger.Warn("archive skip, cannot open image", "path", path, "err", err)
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			logger.Warn("archive skip, cannot stat image", "path", path, "err", err)
			continue
		}
		key := objectKey(scanID, path)
		if err := a.objects.Put(ctx, key, f, info.Size(), "image/jpeg"); err != nil {
			logger.Warn("archive upload failed", "key", key, "err", err)
		}
		f.Close()
	}
}

// ListScans returns the user's scan history, newest first.
func (a *App) ListScans(userID uint) ([]domain.Scan, error) {
	return a.store.ListScansByUser(userID)
}

// DeleteScans removes the user's scans with the given ids. Ids that do not
// exist or belong to someone else are skipped. Archived images of deleted
// scans are removed from object storage best-effort.
func (a *App) DeleteScans(ctx context.Context, userID uint, ids []uint) (int64, error) {
	var archived []string
	if a.objects != nil {
		scans, err := a.store.ListScansByUser(userID)
		if err != nil {
			return 0, fmt.Errorf("list scans: %w", err)
		}
		wanted := make(map[uint]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		for _, scan := range scans {
			if !wanted[scan.ID] {
				continue
			}
			for _, path := range scan.ImagePaths {
				archived = append(archived, objectKey(scan.ID, path))
			}
		}
	}
	deleted, err := a.store.DeleteScans(userID, ids)
	if err != nil {
		return 0, err
	}
	logger := util.LoggerFromContext(ctx)
	for _, key := range archived {
		if err := a.objects.Delete(ctx, key); err != nil {
			logger.Warn("archive delete failed", "key", key, "err", err)
		}
	}
	return deleted, nil
}

// ExportSpreadsheet writes records to a spreadsheet under the user's result
// folder and returns the generated filename.
func (a *App) ExportSpreadsheet(username string, records []domain.BookRecord) (string, error) {
	userDir := filepath.Join(a.resultDir, strings.ToLower(username))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	name := fmt.Sprintf("books_%s.xlsx", uuid.NewString()[:8])
	if err := export.WriteXLSX(filepath.Join(userDir, name), records); err != nil {
		return "", err
	}
	return name, nil
}

// ResultPath resolves a download filename inside the user's own result
// folder, rejecting path traversal. Files outside that folder do not exist
// as far as the caller is concerned.
func (a *App) ResultPath(username, name string) (string, bool) {
	cleaned := filepath.Clean(name)
	if cleaned == "." || strings.Contains(cleaned, string(filepath.Separator)) {
		return "", false
	}
	path := filepath.Join(a.resultDir, strings.ToLower(username), cleaned)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// ProcessedPath resolves a processed image filename, rejecting traversal.
func (a *App) ProcessedPath(name string) (string, bool) {
	cleaned := filepath.Clean(name)
	if cleaned == "." || strings.Contains(cleaned, string(filepath.Separator)) {
		return "", false
	}
	path := filepath.Join(a.processedDir, cleaned)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// CleanupWorkDirs removes leftover uploads and processed images. The web
// flow calls this after each request since browsers re-upload from scratch.
func (a *App) CleanupWorkDirs(logger *slog.Logger) {
	for _, dir := range []string{a.uploadDir, a.processedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("cleanup read dir failed", "dir", dir, "err", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				logger.Warn("cleanup remove failed", "file", entry.Name(), "err", err)
			}
		}
	}
}

// MockBooks returns a small fixed result set for client development.
func (a *App) MockBooks() []domain.BookRecord {
	return []domain.BookRecord{
		{
			Title:      "The Pragmatic Programmer",
			Authors:    "Andrew Hunt, David Thomas",
			Edition:    "20th Anniversary Edition",
			Publisher:  "Addison-Wesley",
			ISBN:       "9780135957059",
			Year:       "2019",
			RawOCRText: "The Pragmatic Programmer Hunt Thomas Addison-Wesley",
		},
		{
			Title:      "Designing Data-Intensive Applications",
			Authors:    "Martin Kleppmann",
			Publisher:  "O'Reilly",
			ISBN:       "9781449373320",
			Year:       "2017",
			RawOCRText: "Designing Data-Intensive Applications Kleppmann O'Reilly",
		},
		{
			Title:      "The Go Programming Language",
			Authors:    "Alan A. A. Donovan, Brian W. Kernighan",
			Publisher:  "Addison-Wesley",
			ISBN:       "9780134190440",
			Year:       "2015",
			RawOCRText: "The Go Programming Language Donovan Kernighan",
		},
	}
}
