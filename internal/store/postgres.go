package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"neura/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	var email any
	if user.Email != "" {
		email = user.Email
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email
	`, user.ID, user.Name, email)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// InsertDocument creates a document together with its initial version.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert document tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, owner_id, category, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.Title, doc.Content, doc.OwnerID, doc.Category, doc.Description)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, content, author_id, message)
		VALUES ($1, $2, $3, 'Initial version')
	`, doc.ID, doc.Content, doc.OwnerID)
	if err != nil {
		return fmt.Errorf("insert initial version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
		SELECT id, title, content, owner_id, category, description,
			views, edits, ai_queries, created_at, updated_at
		FROM documents
		WHERE id=$1
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID, &doc.Title, &doc.Content, &doc.OwnerID, &doc.Category, &doc.Description,
		&doc.Analytics.Views, &doc.Analytics.Edits, &doc.Analytics.AIQueries,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, c.DocumentID, c.UserID, string(rbac.Normalize(c.Permission)))
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, permission
		FROM document_collaborators
		WHERE document_id=$1
		ORDER BY user_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.DocumentID, &c.UserID, &c.Permission); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Access resolves the role userID holds on documentID: owner, a collaborator
// permission, or none.
func (s *PostgresStore) Access(ctx context.Context, documentID, userID string) (rbac.Role, error) {
	const query = `
		SELECT d.owner_id, c.permission
		FROM documents d
		LEFT JOIN document_collaborators c ON c.document_id = d.id AND c.user_id = $2
		WHERE d.id = $1
	`
	var ownerID string
	var permission sql.NullString
	err := s.db.QueryRowContext(ctx, query, documentID, userID).Scan(&ownerID, &permission)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, ErrNotFound
	}
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("read access: %w", err)
	}
	if ownerID == userID {
		return rbac.RoleOwner, nil
	}
	if permission.Valid {
		return rbac.Normalize(permission.String), nil
	}
	return rbac.RoleNone, nil
}

// SaveContent replaces the document body, bumps the edit counter and records
// a version row, all in one transaction.
func (s *PostgresStore) SaveContent(ctx context.Context, input SaveContentInput) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin save content tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, edits=edits+1, updated_at=NOW()
		WHERE id=$1
	`, input.DocumentID, input.Content)
	if err != nil {
		return Version{}, fmt.Errorf("update content: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Version{}, ErrNotFound
	}

	version := Version{
		DocumentID: input.DocumentID,
		Content:    input.Content,
		AuthorID:   input.AuthorID,
		Message:    input.Message,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (document_id, content, author_id, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, input.DocumentID, input.Content, input.AuthorID, input.Message).Scan(&version.ID, &version.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit save content: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content, author_id, message, created_at
		FROM document_versions
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Content, &v.AuthorID, &v.Message, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
