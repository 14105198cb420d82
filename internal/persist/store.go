package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// Store persists dashboards as one JSON file per record.
type Store struct {
	dir string
	log pslog.Logger
	mu  sync.Mutex
	// slugs indexes dashboard ids by slug; nil until first use.
	slugs map[schema.Slug]schema.DashboardID
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Create inserts a dashboard, failing with schema.ErrSlugTaken on slug collision.
func (s *Store) Create(_ context.Context, dashboard schema.Dashboard) error {
	if err := dashboard.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.pathFor(dashboard.ID)); err == nil {
		return fmt.Errorf("dashboard %s already exists", dashboard.ID)
	}
	if _, taken := index[dashboard.Slug]; taken {
		s.debug("store create rejected", "slug", dashboard.Slug, "reason", "slug taken")
		return schema.ErrSlugTaken
	}
	if err := s.writeLocked(dashboard); err != nil {
		return err
	}
	index[dashboard.Slug] = dashboard.ID
	return nil
}

// Save replaces an existing dashboard.
func (s *Store) Save(_ context.Context, dashboard schema.Dashboard) error {
	if err := dashboard.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return err
	}
	previous, err := s.readLocked(dashboard.ID)
	if err != nil {
		return err
	}
	if owner, taken := index[dashboard.Slug]; taken && owner != dashboard.ID {
		return schema.ErrSlugTaken
	}
	if err := s.writeLocked(dashboard); err != nil {
		return err
	}
	if previous.Slug != dashboard.Slug {
		delete(index, previous.Slug)
	}
	index[dashboard.Slug] = dashboard.ID
	return nil
}

// Get loads a dashboard by id.
func (s *Store) Get(_ context.Context, id schema.DashboardID) (schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// FindBySlug loads the dashboard with the given slug.
func (s *Store) FindBySlug(_ context.Context, slug schema.Slug) (schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return schema.Dashboard{}, err
	}
	id, ok := index[slug]
	if !ok {
		return schema.Dashboard{}, schema.ErrDashboardNotFound
	}
	dashboard, err := s.readLocked(id)
	if err != nil {
		return schema.Dashboard{}, err
	}
	if dashboard.Slug != slug {
		// The file changed behind the store; drop the index so the next call rebuilds it.
		s.slugs = nil
		return schema.Dashboard{}, schema.ErrDashboardNotFound
	}
	return dashboard, nil
}

// List returns every dashboard ordered by creation time.
func (s *Store) List(context.Context) ([]schema.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Created.Equal(all[j].Created) {
			return all[i].Created.Before(all[j].Created)
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

// Close is a no-op; the file store holds no handles.
func (s *Store) Close() {}

func (s *Store) readLocked(id schema.DashboardID) (schema.Dashboard, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema.Dashboard{}, schema.ErrDashboardNotFound
		}
		s.warn("store load failed", "dashboard", id, "err", err)
		return schema.Dashboard{}, err
	}
	var dashboard schema.Dashboard
	if err := json.Unmarshal(data, &dashboard); err != nil {
		s.warn("store load failed", "dashboard", id, "err", err)
		return schema.Dashboard{}, fmt.Errorf("decode dashboard %s: %w", id, err)
	}
	return dashboard, nil
}

// indexLocked returns the slug index, scanning the directory on first use.
func (s *Store) indexLocked() (map[schema.Slug]schema.DashboardID, error) {
	if s.slugs != nil {
		return s.slugs, nil
	}
	all, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	index := make(map[schema.Slug]schema.DashboardID, len(all))
	for _, dashboard := range all {
		index[dashboard.Slug] = dashboard.ID
	}
	s.slugs = index
	s.debug("store slug index built", "dashboards", len(index))
	return index, nil
}

func (s *Store) loadAllLocked() ([]schema.Dashboard, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Dashboard, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		var dashboard schema.Dashboard
		if err := json.Unmarshal(data, &dashboard); err != nil {
			s.warn("store load failed", "file", name, "err", err)
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		out = append(out, dashboard)
	}
	return out, nil
}

func (s *Store) writeLocked(dashboard schema.Dashboard) error {
	path := s.pathFor(dashboard.ID)
	data, err := json.MarshalIndent(dashboard, "", "  ")
	if err != nil {
		s.warn("store save failed", "dashboard", dashboard.ID, "err", err)
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		s.warn("store save failed", "dashboard", dashboard.ID, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("store save ok", "dashboard", dashboard.ID, "slug", dashboard.Slug)
	}
	return nil
}

// writeFileAtomic replaces path via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*.json")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		cleanup()
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathFor(id schema.DashboardID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
