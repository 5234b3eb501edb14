package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

type Document struct {
	ID          string
	Title       string
	Content     string
	OwnerID     string
	Category    string
	Description string
	Analytics   Analytics
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Analytics struct {
	Views     int
	Edits     int
	AIQueries int
}

type Collaborator struct {
	DocumentID string
	UserID     string
	Permission string
}

// Version is one saved copy of a document's content.
type Version struct {
	ID         int64
	DocumentID string
	Content    string
	AuthorID   string
	Message    string
	CreatedAt  time.Time
}

// SaveContentInput replaces a document's content and records a version.
type SaveContentInput struct {
	DocumentID string
	Content    string
	AuthorID   string
	Message    string
}
