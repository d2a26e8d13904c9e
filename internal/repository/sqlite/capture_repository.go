package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"brivet/internal/model"
)

const captureColumns = `c.id, c.timestamp, c.status, c.error, c.object_count, c.duration_ms,
	c.confidence_threshold, c.grid_size, c.image_filename, c.source_filename, c.latitude, c.longitude`

// CaptureRepository implements repository.CaptureRepository for SQLite.
type CaptureRepository struct {
	db *DB
}

// NewCaptureRepository creates a new SQLite capture repository.
func NewCaptureRepository(db *DB) *CaptureRepository {
	return &CaptureRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (*model.CaptureRecord, error) {
	var (
		rec       model.CaptureRecord
		latitude  sql.NullFloat64
		longitude sql.NullFloat64
	)
	err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Status, &rec.Error, &rec.ObjectCount, &rec.DurationMs,
		&rec.ConfidenceThreshold, &rec.GridSize, &rec.ImageFilename, &rec.SourceFilename, &latitude, &longitude)
	if err != nil {
		return nil, err
	}
	if latitude.Valid {
		rec.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		rec.Longitude = &longitude.Float64
	}
	return &rec, nil
}

// Insert adds a new capture record to the database.
func (r *CaptureRepository) Insert(rec *model.CaptureRecord) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	status := rec.Status
	if status == "" {
		status = model.StatusOK
	}

	result, err := r.db.Conn().Exec(`
		INSERT INTO captures (timestamp, status, error, object_count, duration_ms, confidence_threshold,
			grid_size, image_filename, source_filename, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp.UTC(), status, rec.Error, rec.ObjectCount, rec.DurationMs, rec.ConfidenceThreshold,
		rec.GridSize, rec.ImageFilename, rec.SourceFilename, rec.Latitude, rec.Longitude)
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}

	return result.LastInsertId()
}

// InsertWithDetections adds a capture and its detections in one transaction,
// so a stored capture always has all of its detections. The capture ID is
// filled into rec.Detections.
func (r *CaptureRepository) InsertWithDetections(rec *model.CaptureRecord) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	status := rec.Status
	if status == "" {
		status = model.StatusOK
	}

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO captures (timestamp, status, error, object_count, duration_ms, confidence_threshold,
			grid_size, image_filename, source_filename, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp.UTC(), status, rec.Error, rec.ObjectCount, rec.DurationMs, rec.ConfidenceThreshold,
		rec.GridSize, rec.ImageFilename, rec.SourceFilename, rec.Latitude, rec.Longitude)
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(rec.Detections) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO detections (capture_id, label, x, y, width, height, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i := range rec.Detections {
			det := &rec.Detections[i]
			det.CaptureID = id
			if _, err := stmt.Exec(id, det.Label, det.X, det.Y, det.Width, det.Height, det.Confidence); err != nil {
				return 0, fmt.Errorf("failed to insert detection: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit capture: %w", err)
	}
	return id, nil
}

// GetByID retrieves a capture by its ID. A missing record returns nil, nil.
func (r *CaptureRepository) GetByID(id int64) (*model.CaptureRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rec, err := scanCapture(r.db.Conn().QueryRow(`SELECT `+captureColumns+` FROM captures c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

// GetByFilename retrieves a capture by its annotated image filename.
func (r *CaptureRepository) GetByFilename(filename string) (*model.CaptureRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rec, err := scanCapture(r.db.Conn().QueryRow(`SELECT `+captureColumns+` FROM captures c WHERE c.image_filename = ?`, filename))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

func filterClause(filter *model.CaptureFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if filter == nil {
		return "", nil
	}
	if filter.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Label != "" {
		where = append(where, "EXISTS (SELECT 1 FROM detections d WHERE d.capture_id = c.id AND d.label = ?)")
		args = append(args, filter.Label)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// GetAll retrieves captures newest first, based on filter criteria.
func (r *CaptureRepository) GetAll(filter *model.CaptureFilter) ([]model.CaptureRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := filterClause(filter)
	query := `SELECT ` + captureColumns + ` FROM captures c` + where + ` ORDER BY c.timestamp DESC, c.id DESC`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var captures []model.CaptureRecord
	for rows.Next() {
		rec, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, *rec)
	}

	return captures, rows.Err()
}

// GetTotalCount returns the total count of captures matching the filter.
func (r *CaptureRepository) GetTotalCount(filter *model.CaptureFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := filterClause(filter)

	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM captures c`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count captures: %w", err)
	}
	return count, nil
}

// Delete removes a capture and its detections.
func (r *CaptureRepository) Delete(id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	// First delete related detections
	if _, err := r.db.Conn().Exec(`DELETE FROM detections WHERE capture_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete detections: %w", err)
	}

	if _, err := r.db.Conn().Exec(`DELETE FROM captures WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	return nil
}
