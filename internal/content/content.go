package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/logger"
)

const (
	KindArticle = "article"
	KindService = "service"
	KindKB      = "kb"
)

var (
	ErrUnknownKind = errors.New("unknown content kind")
	ErrNotFound    = errors.New("content not found")
)

type Entry struct {
	Kind        string     `json:"kind"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Body        string     `json:"body,omitempty"`
	Category    string     `json:"category,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type Store interface {
	// List returns published entries of kind, newest first, without bodies.
	List(ctx context.Context, kind, category string) ([]Entry, error)
	Get(ctx context.Context, kind, slug string) (*Entry, error)
}

// Cache is the JSON cache in front of the store.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Service struct {
	store Store
	cache Cache
	ttl   time.Duration
}

func NewService(store Store, cache Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, cache: cache, ttl: ttl}
}

func ValidKind(kind string) bool {
	switch kind {
	case KindArticle, KindService, KindKB:
		return true
	}
	return false
}

func (s *Service) List(ctx context.Context, kind, category string) ([]Entry, error) {
	if !ValidKind(kind) {
		return nil, ErrUnknownKind
	}
	category = strings.ToLower(strings.TrimSpace(category))
	key := fmt.Sprintf("content:list:%s:%s", kind, category)

	var cached []Entry
	if s.lookup(ctx, key, &cached) {
		return cached, nil
	}

	entries, err := s.store.List(ctx, kind, category)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	s.save(ctx, key, entries)
	return entries, nil
}

func (s *Service) Get(ctx context.Context, kind, slug string) (*Entry, error) {
	if !ValidKind(kind) {
		return nil, ErrUnknownKind
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrNotFound
	}
	key := fmt.Sprintf("content:entry:%s:%s", kind, slug)

	var cached Entry
	if s.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	e, err := s.store.Get(ctx, kind, slug)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, slug, err)
	}
	if e == nil {
		return nil, ErrNotFound
	}
	s.save(ctx, key, e)
	return e, nil
}

// Cache errors degrade to a store read.
func (s *Service) lookup(ctx context.Context, key string, dest any) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.GetJSON(ctx, key, dest)
	if err != nil {
		logger.WarnContext(ctx, "content cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (s *Service) save(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, value, s.ttl); err != nil {
		logger.WarnContext(ctx, "content cache write failed", "key", key, "error", err)
	}
}
