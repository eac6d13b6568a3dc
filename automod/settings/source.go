package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("settings not found")

// Loads the full set of settings documents.
type Source interface {
	// Returns nil documents (and no error) when nothing changed since the previous load.
	Load(ctx context.Context) ([]Document, error)
}

// Loads the settings document of a single guild on demand.
type GuildSource interface {
	LoadGuild(ctx context.Context, guildID string) (*Document, error)
}

// Reads documents from a local JSON file: a single document, or an array of them. The file is only re-parsed when its modification time changes.
type FileSource struct {
	Path string

	lk      sync.Mutex
	modTime time.Time
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Load(ctx context.Context) ([]Document, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}
	if !s.modTime.IsZero() && info.ModTime().Equal(s.modTime) {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}
	docs, err := ParseMany(data)
	if err != nil {
		return nil, err
	}
	s.modTime = info.ModTime()
	return docs, nil
}

// Forces the next Load to re-read the file, even if unmodified.
func (s *FileSource) Invalidate() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.modTime = time.Time{}
}

// Fetches per-guild documents from the settings API. URLTemplate must contain "{guild}", which is replaced by the guild ID.
type HTTPSource struct {
	URLTemplate string
	Client      *http.Client
	// optional
	Cache     DocCache
	UserAgent string
}

func (s *HTTPSource) url(guildID string) string {
	return strings.ReplaceAll(s.URLTemplate, "{guild}", guildID)
}

func (s *HTTPSource) LoadGuild(ctx context.Context, guildID string) (*Document, error) {
	body, err := s.fetch(ctx, s.url(guildID))
	if err != nil {
		return nil, err
	}
	doc, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if doc.GuildID == "" {
		doc.GuildID = guildID
	} else if doc.GuildID != guildID {
		return nil, fmt.Errorf("%w: document is for guild %s, expected %s", ErrMalformedDocument, doc.GuildID, guildID)
	}
	return doc, nil
}

// Drops any cached copy of the guild's document.
func (s *HTTPSource) Purge(ctx context.Context, guildID string) error {
	if s.Cache == nil {
		return nil
	}
	return s.Cache.Purge(ctx, s.url(guildID))
}

func (s *HTTPSource) fetch(ctx context.Context, u string) ([]byte, error) {
	if s.Cache != nil {
		body, ok, err := s.Cache.Get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("settings cache: %w", err)
		}
		if ok {
			return body, nil
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching settings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching settings: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("fetching settings: %w", err)
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, u, body); err != nil {
			return nil, fmt.Errorf("settings cache: %w", err)
		}
	}
	return body, nil
}
