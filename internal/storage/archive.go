package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mathtutor/internal/models"
)

const writeTimeout = 5 * time.Second

// Archive stores finished runs and transcript turns. Record* methods are
// fire-and-forget: failures are logged and never reach the caller.
type Archive struct {
	db  *sql.DB
	log *zap.Logger
}

func NewArchive(db *sql.DB, log *zap.Logger) *Archive {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{db: db, log: log}
}

func (a *Archive) RecordRun(ctx context.Context, run models.Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := a.SaveRun(ctx, run); err != nil {
		a.log.Warn("archive run failed", zap.String("workspace", run.WorkspaceID), zap.Error(err))
	}
}

func (a *Archive) RecordMessage(ctx context.Context, workspaceID string, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := a.SaveMessage(ctx, workspaceID, msg); err != nil {
		a.log.Warn("archive message failed",
			zap.String("workspace", workspaceID),
			zap.Int64("message", msg.ID),
			zap.Error(err))
	}
}

// SaveRun inserts a run and returns its row id.
func (a *Archive) SaveRun(ctx context.Context, run models.Run) (int64, error) {
	list := run.EquationList
	if list == nil {
		list = []string{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return 0, fmt.Errorf("encode equations: %w", err)
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO runs (workspace_id, status, documents, images, equations, equation_list, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.WorkspaceID, string(run.Status), run.Documents, run.Images, run.Equations,
		string(encoded), run.Error, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

func (a *Archive) SaveMessage(ctx context.Context, workspaceID string, msg models.Message) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO messages (workspace_id, message_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		workspaceID, msg.ID, string(msg.Sender), msg.Text, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRuns returns a workspace's runs, oldest first.
func (a *Archive) ListRuns(ctx context.Context, workspaceID string) ([]models.Run, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, workspace_id, status, documents, images, equations, equation_list, error, started_at, finished_at
		 FROM runs WHERE workspace_id = ? ORDER BY started_at ASC, id ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var (
			r       models.Run
			status  string
			encoded string
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &status, &r.Documents, &r.Images, &r.Equations,
			&encoded, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = models.RunStatus(status)
		if err := json.Unmarshal([]byte(encoded), &r.EquationList); err != nil {
			return nil, fmt.Errorf("decode equations of run %d: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListMessages returns the archived transcript of a workspace in turn order.
func (a *Archive) ListMessages(ctx context.Context, workspaceID string) ([]models.Message, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT message_id, sender, content, created_at FROM messages WHERE workspace_id = ? ORDER BY message_id ASC, id ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m      models.Message
			sender string
		)
		if err := rows.Scan(&m.ID, &sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = models.Sender(sender)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
