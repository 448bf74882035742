package domain

import (
	"time"
)

const (
	DefaultLanguage  = "text"
	MaxContentChars  = 1_000_000
	MaxLanguageChars = 50
	MaxTitleChars    = 255
)

type Paste struct {
	ID            string         `json:"id"`
	ShortID       string         `json:"short_id"`
	Title         string         `json:"title,omitempty"`
	Content       string         `json:"content"`
	ContentHash   string         `json:"content_hash"`
	Language      string         `json:"language"`
	IsPrivate     bool           `json:"is_private"`
	PasswordHash  string         `json:"-"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	BurnAfterRead bool           `json:"burn_after_read"`
	IsBurned      bool           `json:"-"`
	Tags          []string       `json:"tags"`
	ViewCount     int64          `json:"view_count"`
	DownloadCount int64          `json:"download_count"`
	SizeBytes     int            `json:"size_bytes"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HasPassword reports whether reads of p must present a secret.
func (p *Paste) HasPassword() bool {
	return p.PasswordHash != ""
}

// ListItem returns the copy of p that list and search results expose.
// Password-protected content never leaves through a listing.
func (p *Paste) ListItem() *Paste {
	cp := *p
	cp.PasswordHash = ""
	if p.HasPassword() {
		cp.Content = ""
	}
	return &cp
}

type CreateParams struct {
	Title         string
	Content       string
	Language      string
	IsPrivate     bool
	BurnAfterRead bool
	Password      string
	ExpiresIn     time.Duration
	Tags          []string
	Metadata      map[string]any
}

// ReadParams carries the secret and the client context of one retrieval.
type ReadParams struct {
	Password  string
	ClientIP  string
	UserAgent string
	Referer   string
	SessionID string
}

type SearchQuery struct {
	Query    string
	Language string
	Limit    int
	Offset   int
}

type Download struct {
	Filename string
	Content  string
}

type PasteView struct {
	ID            string    `json:"id"`
	PasteID       string    `json:"paste_id"`
	ViewerIP      string    `json:"viewer_ip,omitempty"`
	ViewerCountry string    `json:"viewer_country,omitempty"`
	ViewerCity    string    `json:"viewer_city,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Referer       string    `json:"referer,omitempty"`
	ViewedAt      time.Time `json:"viewed_at"`
	SessionID     string    `json:"session_id"`
}
