// Package storage persists capture results: annotated JPEGs on disk and
// capture/detection records in the repository.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brivet/internal/apperr"
	"brivet/internal/config"
	"brivet/internal/logger"
	"brivet/internal/model"
	"brivet/internal/repository"
	"brivet/internal/service/camera"
	"brivet/internal/service/detect"

	"github.com/google/uuid"
)

const (
	// MaxPerPage caps a history page.
	MaxPerPage = 100

	filenameTimeFormat = "20060102_150405"
	sourceSuffix       = "_source.jpg"
)

// Store writes captures into a staging directory first and commits them to
// the captures directory once the file is complete.
type Store struct {
	capturesDir   string
	stagingDir    string
	keepSource    bool
	quality       int
	mu            sync.Mutex
	logger        *logger.Logger
	captureRepo   repository.CaptureRepository
	detectionRepo repository.DetectionRepository
}

// NewStore creates a Store with the target directories from config.
func NewStore(cfg *config.Config, logger *logger.Logger, captureRepo repository.CaptureRepository, detectionRepo repository.DetectionRepository) *Store {
	return &Store{
		capturesDir:   cfg.CapturesDir,
		stagingDir:    cfg.StagingDir,
		keepSource:    cfg.KeepSourceImages,
		quality:       cfg.CaptureQuality,
		logger:        logger,
		captureRepo:   captureRepo,
		detectionRepo: detectionRepo,
	}
}

// Init creates the captures and staging directories.
func (s *Store) Init() error {
	for _, dir := range []string{s.capturesDir, s.stagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// CapturesDir returns the directory annotated images are committed to.
func (s *Store) CapturesDir() string {
	return s.capturesDir
}

// Save encodes the annotated image, commits it and records the capture with
// its detections. The record timestamp is the frame's capture time.
func (s *Store) Save(ctx context.Context, source *camera.Frame, res *detect.Result, settings detect.Settings) (*model.CaptureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res == nil || res.Annotated == nil {
		return nil, fmt.Errorf("no annotated image to save")
	}

	data, err := detect.EncodeJPEG(res.Annotated, s.quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotated image: %w", err)
	}

	ts := time.Now()
	if source != nil && !source.Timestamp.IsZero() {
		ts = source.Timestamp
	}
	filename := captureFilename(ts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeCommitted(filename, data); err != nil {
		return nil, err
	}
	committed := []string{filename}

	var sourceName string
	if s.keepSource && source != nil && len(source.Data) > 0 {
		sourceName = strings.TrimSuffix(filename, ".jpg") + sourceSuffix
		if err := s.writeCommitted(sourceName, source.Data); err != nil {
			s.logger.Warning("Could not keep source image for %s: %v", filename, err)
			sourceName = ""
		} else {
			committed = append(committed, sourceName)
		}
	}

	rec := &model.CaptureRecord{
		Timestamp:           ts,
		Status:              model.StatusOK,
		ObjectCount:         res.Count,
		DurationMs:          res.Duration.Milliseconds(),
		ConfidenceThreshold: float64(settings.Confidence),
		GridSize:            settings.GridSize,
		ImageFilename:       filename,
		SourceFilename:      sourceName,
	}

	rec.Detections = toDetections(res.Boxes)

	id, err := s.captureRepo.InsertWithDetections(rec)
	if err != nil {
		for _, name := range committed {
			os.Remove(filepath.Join(s.capturesDir, name))
		}
		return nil, fmt.Errorf("failed to save capture record: %w", err)
	}
	rec.ID = id

	s.logger.Info("💾 Saved capture %d (%s, %d objects)", id, filename, res.Count)
	return rec, nil
}

// SaveFailure records a capture that did not produce a result. No image is
// written.
func (s *Store) SaveFailure(ctx context.Context, source *camera.Frame, settings detect.Settings, cause error, duration time.Duration) (*model.CaptureRecord, error) {
	ts := time.Now()
	if source != nil && !source.Timestamp.IsZero() {
		ts = source.Timestamp
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	rec := &model.CaptureRecord{
		Timestamp:           ts,
		Status:              model.StatusFailed,
		Error:               msg,
		DurationMs:          duration.Milliseconds(),
		ConfidenceThreshold: float64(settings.Confidence),
		GridSize:            settings.GridSize,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.captureRepo.Insert(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to save failed capture record: %w", err)
	}
	rec.ID = id

	s.logger.Warning("Recorded failed capture %d: %s", id, msg)
	return rec, nil
}

// List returns one page of records, newest first, and the total count.
func (s *Store) List(page, perPage int) ([]model.CaptureRecord, int, error) {
	if page < 1 {
		return nil, 0, apperr.Invalid("page", "must be at least 1, got %d", page)
	}
	if perPage < 1 || perPage > MaxPerPage {
		return nil, 0, apperr.Invalid("per_page", "must be between 1 and %d, got %d", MaxPerPage, perPage)
	}

	filter := &model.CaptureFilter{Limit: perPage, Offset: (page - 1) * perPage}

	records, err := s.captureRepo.GetAll(filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.captureRepo.GetTotalCount(filter)
	if err != nil {
		return nil, 0, err
	}
	if records == nil {
		records = []model.CaptureRecord{}
	}
	return records, total, nil
}

// Get returns a record together with its detections.
func (s *Store) Get(id int64) (*model.CaptureRecord, error) {
	rec, err := s.captureRepo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("capture %d: %w", id, apperr.ErrNotFound)
	}

	dets, err := s.detectionRepo.GetByCaptureID(id)
	if err != nil {
		return nil, err
	}
	rec.Detections = dets
	return rec, nil
}

// Delete removes a record, its detections and its image files.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.captureRepo.GetByID(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("capture %d: %w", id, apperr.ErrNotFound)
	}

	if err := s.captureRepo.Delete(id); err != nil {
		return err
	}

	for _, name := range []string{rec.ImageFilename, rec.SourceFilename} {
		if name == "" {
			continue
		}
		if err := os.Remove(filepath.Join(s.capturesDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warning("Could not remove %s: %v", name, err)
		}
	}

	s.logger.Info("🗑️ Deleted capture %d", id)
	return nil
}

// ImagePath returns the on-disk path of a record's annotated image, or "" for
// records without one.
func (s *Store) ImagePath(rec *model.CaptureRecord) string {
	if rec == nil || rec.ImageFilename == "" {
		return ""
	}
	return filepath.Join(s.capturesDir, rec.ImageFilename)
}

// Reindex adds a record for every annotated image in the captures directory
// that the repository does not know about. It returns the number added.
func (s *Store) Reindex() (int, error) {
	entries, err := os.ReadDir(s.capturesDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read captures directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".jpg") || strings.HasSuffix(name, sourceSuffix) {
			continue
		}

		existing, err := s.captureRepo.GetByFilename(name)
		if err != nil {
			return added, err
		}
		if existing != nil {
			continue
		}

		ts, ok := parseCaptureTime(name)
		if !ok {
			info, err := entry.Info()
			if err != nil {
				s.logger.Warning("Skipping %s: %v", name, err)
				continue
			}
			ts = info.ModTime()
		}

		if _, err := s.captureRepo.Insert(&model.CaptureRecord{
			Timestamp:     ts,
			Status:        model.StatusOK,
			ImageFilename: name,
		}); err != nil {
			s.logger.Error("Error indexing %s: %v", name, err)
			continue
		}
		added++
	}

	return added, nil
}

// Prune deletes records whose annotated image no longer exists on disk.
// Failed captures never had an image and are kept.
func (s *Store) Prune() (int, error) {
	records, err := s.captureRepo.GetAll(&model.CaptureFilter{Status: model.StatusOK})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for _, rec := range records {
		if rec.ImageFilename == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.capturesDir, rec.ImageFilename)); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := s.captureRepo.Delete(rec.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// writeCommitted writes data to the staging directory and then moves it into
// the captures directory. A reader of the captures directory never sees a
// partial file.
func (s *Store) writeCommitted(name string, data []byte) error {
	if err := s.Init(); err != nil {
		return err
	}

	staged := filepath.Join(s.stagingDir, name)
	if err := os.WriteFile(staged, data, 0644); err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}

	final := filepath.Join(s.capturesDir, name)
	if err := os.Rename(staged, final); err == nil {
		return nil
	}

	// staging usually lives on tmpfs, so rename fails across devices
	err := copyFile(staged, final)
	os.Remove(staged)
	if err != nil {
		os.Remove(final)
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func captureFilename(ts time.Time) string {
	return fmt.Sprintf("capture_%s_%s.jpg", ts.Format(filenameTimeFormat), uuid.New().String()[:8])
}

func parseCaptureTime(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, "capture_")
	if !ok || len(rest) < len(filenameTimeFormat) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(filenameTimeFormat, rest[:len(filenameTimeFormat)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func toDetections(boxes []detect.Box) []model.Detection {
	dets := make([]model.Detection, 0, len(boxes))
	for _, b := range boxes {
		dets = append(dets, model.Detection{
			Label:      b.Label,
			X:          b.Rect.Min.X,
			Y:          b.Rect.Min.Y,
			Width:      b.Rect.Dx(),
			Height:     b.Rect.Dy(),
			Confidence: float64(b.Confidence),
		})
	}
	return dets
}
