package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/domain/probmap"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const selectCols = `
ID, TITLE, DESCRIPTION, SEND_STATUS, ERROR_MESSAGE, RECORDING_PATH,
CREATION_DATE, COMPLETION_DATE,
AGE_RESULT, AGE_USER_FEEDBACK, GENDER_RESULT, GENDER_USER_FEEDBACK,
NATIONALITY_RESULT, NATIONALITY_USER_FEEDBACK,
EMOTION_RESULT, EMOTION_USER_FEEDBACK, ARCHIVE_URL`

// Insert stores a new record and returns its assigned id.
func (r *AnalysisRepository) Insert(ctx context.Context, a *domain.Analysis) (int64, error) {
	const q = `
INSERT INTO analyses
(TITLE, DESCRIPTION, SEND_STATUS, ERROR_MESSAGE, RECORDING_PATH, CREATION_DATE, COMPLETION_DATE,
 AGE_RESULT, AGE_USER_FEEDBACK, GENDER_RESULT, GENDER_USER_FEEDBACK,
 NATIONALITY_RESULT, NATIONALITY_USER_FEEDBACK, EMOTION_RESULT, EMOTION_USER_FEEDBACK, ARCHIVE_URL)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);
`
	res, err := r.db.ExecContext(ctx, q,
		a.Title, a.Description, int(a.SendStatus), a.ErrorMessage, a.RecordingPath,
		formatTime(a.CreationDate), nullTime(a.CompletionDate),
		nullResult(a.Age), nullFeedback(a.Age),
		nullResult(a.Gender), nullFeedback(a.Gender),
		nullResult(a.Nationality), nullFeedback(a.Nationality),
		nullResult(a.Emotion), nullFeedback(a.Emotion),
		a.ArchiveURL,
	)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Get by id, tags included.
func (r *AnalysisRepository) Get(ctx context.Context, id int64) (*domain.Analysis, error) {
	q := `SELECT` + selectCols + ` FROM analyses WHERE ID = ? LIMIT 1;`
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Tags, err = r.tagsFor(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

// Latest records, newest first.
func (r *AnalysisRepository) Latest(ctx context.Context, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT` + selectCols + ` FROM analyses ORDER BY CREATION_DATE DESC, ID DESC LIMIT ?;`
	return r.list(ctx, q, limit)
}

// ListBySendStatus returns matching records oldest first, so the
// submitter drains the backlog in arrival order.
func (r *AnalysisRepository) ListBySendStatus(ctx context.Context, st domain.SendStatus, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT` + selectCols + ` FROM analyses WHERE SEND_STATUS = ? ORDER BY CREATION_DATE ASC, ID ASC LIMIT ?;`
	return r.list(ctx, q, int(st), limit)
}

func (r *AnalysisRepository) list(ctx context.Context, q string, args ...interface{}) ([]*domain.Analysis, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// list reads skim the main table; tags are only joined on Get
	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes the record; tags go with it via the foreign key.
func (r *AnalysisRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM analyses WHERE ID = ?;`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// UpdateRecordingPath only touches the path column.
func (r *AnalysisRepository) UpdateRecordingPath(ctx context.Context, id int64, path string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE analyses SET RECORDING_PATH = ? WHERE ID = ?;`, path, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// UpdatePrediction writes one channel's values in a single statement and
// stamps the completion date only if no channel has landed before.
func (r *AnalysisRepository) UpdatePrediction(ctx context.Context, id int64, ch domain.Channel, values map[string]float64, completedAt time.Time) error {
	resultCol, _, err := channelColumns(ch)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
UPDATE analyses
SET %s = ?,
    COMPLETION_DATE = COALESCE(COMPLETION_DATE, ?)
WHERE ID = ?;`, resultCol)
	res, err := r.db.ExecContext(ctx, q, probmap.Encode(values), formatTime(completedAt), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// UpdateFeedback flips the feedback flag, guarded so it can never attach
// to a channel without a stored result.
func (r *AnalysisRepository) UpdateFeedback(ctx context.Context, id int64, ch domain.Channel, correct bool) error {
	resultCol, feedbackCol, err := channelColumns(ch)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE analyses SET %s = ? WHERE ID = ? AND %s IS NOT NULL;`, feedbackCol, resultCol)
	res, err := r.db.ExecContext(ctx, q, boolToInt(correct), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing record from a missing prediction.
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM analyses WHERE ID = ?;`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrNoPrediction
	}
	return nil
}

// UpdateSendStatus sets the submission status and error message together.
func (r *AnalysisRepository) UpdateSendStatus(ctx context.Context, id int64, st domain.SendStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE analyses SET SEND_STATUS = ?, ERROR_MESSAGE = ? WHERE ID = ?;`,
		int(st), errMsg, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (r *AnalysisRepository) UpdateArchiveURL(ctx context.Context, id int64, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE analyses SET ARCHIVE_URL = ? WHERE ID = ?;`, url, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// ReplaceTags swaps the record's tag set atomically.
func (r *AnalysisRepository) ReplaceTags(ctx context.Context, id int64, tags []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM analyses WHERE ID = ?;`, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM analysis_tags WHERE ANALYSIS_ID = ?;`, id); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_tags (ANALYSIS_ID, TAG) VALUES (?, ?);`, id, tag); err != nil {
			return fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}
	return tx.Commit()
}

func (r *AnalysisRepository) tagsFor(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT TAG FROM analysis_tags WHERE ANALYSIS_ID = ? ORDER BY TAG;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var status int
	var created string
	var completed, ageRes, genderRes, natRes, emoRes sql.NullString
	var ageFb, genderFb, natFb, emoFb sql.NullBool
	if err := row.Scan(
		&a.ID, &a.Title, &a.Description, &status, &a.ErrorMessage, &a.RecordingPath,
		&created, &completed,
		&ageRes, &ageFb, &genderRes, &genderFb,
		&natRes, &natFb, &emoRes, &emoFb,
		&a.ArchiveURL,
	); err != nil {
		return nil, err
	}
	a.SendStatus = domain.SendStatus(status)

	var err error
	if a.CreationDate, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("creation date: %w", err)
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, fmt.Errorf("completion date: %w", err)
		}
		a.CompletionDate = &t
	}
	a.Age = channelResult(ageRes, ageFb)
	a.Gender = channelResult(genderRes, genderFb)
	a.Nationality = channelResult(natRes, natFb)
	a.Emotion = channelResult(emoRes, emoFb)
	return &a, nil
}

// channelColumns maps a channel onto its column pair. Channels come from
// the domain enum, never from request input, so interpolation is safe.
func channelColumns(ch domain.Channel) (resultCol, feedbackCol string, err error) {
	switch ch {
	case domain.ChannelAge:
		return "AGE_RESULT", "AGE_USER_FEEDBACK", nil
	case domain.ChannelGender:
		return "GENDER_RESULT", "GENDER_USER_FEEDBACK", nil
	case domain.ChannelNationality:
		return "NATIONALITY_RESULT", "NATIONALITY_USER_FEEDBACK", nil
	case domain.ChannelEmotion:
		return "EMOTION_RESULT", "EMOTION_USER_FEEDBACK", nil
	default:
		return "", "", fmt.Errorf("%w: %q", domain.ErrUnknownChannel, ch)
	}
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
