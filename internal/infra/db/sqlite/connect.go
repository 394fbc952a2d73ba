package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schema is created on connect. The app owns its on-device database, so
// there is no external migration step.
const schema = `
CREATE TABLE IF NOT EXISTS analyses (
  ID INTEGER PRIMARY KEY AUTOINCREMENT,
  TITLE TEXT NOT NULL,
  DESCRIPTION TEXT NOT NULL DEFAULT '',
  SEND_STATUS INTEGER NOT NULL DEFAULT 0,
  ERROR_MESSAGE TEXT NOT NULL DEFAULT '',
  RECORDING_PATH TEXT NOT NULL DEFAULT '',
  CREATION_DATE TEXT NOT NULL,
  COMPLETION_DATE TEXT,
  AGE_RESULT TEXT,
  AGE_USER_FEEDBACK INTEGER,
  GENDER_RESULT TEXT,
  GENDER_USER_FEEDBACK INTEGER,
  NATIONALITY_RESULT TEXT,
  NATIONALITY_USER_FEEDBACK INTEGER,
  EMOTION_RESULT TEXT,
  EMOTION_USER_FEEDBACK INTEGER,
  ARCHIVE_URL TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS analysis_tags (
  ANALYSIS_ID INTEGER NOT NULL REFERENCES analyses(ID) ON DELETE CASCADE,
  TAG TEXT NOT NULL,
  PRIMARY KEY (ANALYSIS_ID, TAG)
);

CREATE INDEX IF NOT EXISTS idx_analyses_send_status ON analyses(SEND_STATUS);
`

// Connect opens the on-device store and ensures the schema exists. The
// DSN must keep the foreign_keys pragma on or tag cleanup breaks.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; more connections just queue on the
	// busy handler.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx2, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
