package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/log"
)

// StaticEntry describes one token in the static tokens file.
type StaticEntry struct {
	UserID string   `json:"user_id"`
	Bot    bool     `json:"bot,omitempty"`
	Spaces []string `json:"spaces,omitempty"`
}

// staticFile is the on-disk shape of the tokens file.
type staticFile struct {
	Tokens map[string]StaticEntry `json:"tokens"`
}

// Static is a file- or map-backed Resolver, MembershipProvider and
// VoiceChecker for development and tests. When loaded from a file it hot
// reloads on writes to that file.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]StaticEntry

	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  zerolog.Logger
}

// NewStatic builds a Static from an in-memory token table.
func NewStatic(tokens map[string]StaticEntry) *Static {
	s := &Static{
		tokens: make(map[string]StaticEntry, len(tokens)),
		logger: log.WithComponent("auth"),
	}
	for tok, entry := range tokens {
		s.tokens[tok] = entry
	}
	return s
}

// LoadStatic reads the tokens file at path and watches it for changes.
func LoadStatic(path string) (*Static, error) {
	s := &Static{
		path:   path,
		logger: log.WithComponent("auth"),
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tokens file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch tokens file: %w", err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *Static) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tokens file: %w", err)
	}
	var parsed staticFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse tokens file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.tokens = parsed.Tokens
	s.mu.Unlock()
	s.logger.Info().
		Str("path", s.path).
		Int("tokens", len(parsed.Tokens)).
		Msg("token table loaded")
	return nil
}

func (s *Static) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if err := s.reload(); err != nil {
					// Keep serving the previous table on a bad write.
					s.logger.Warn().Err(err).Msg("token table reload failed")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("token table watcher error")
		}
	}
}

// Close stops the file watcher, if any.
func (s *Static) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, token string) (Identity, error) {
	s.mu.RLock()
	entry, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: entry.UserID, Bot: entry.Bot}, nil
}

// SpacesFor implements MembershipProvider.
func (s *Static) SpacesFor(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.tokens {
		if entry.UserID == userID {
			return slices.Clone(entry.Spaces), nil
		}
	}
	return nil, nil
}

// MembersOf implements MembershipProvider.
func (s *Static) MembersOf(_ context.Context, spaceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []string
	for _, entry := range s.tokens {
		if slices.Contains(entry.Spaces, spaceID) {
			members = append(members, entry.UserID)
		}
	}
	slices.Sort(members)
	return slices.Compact(members), nil
}

// CanJoinVoice implements VoiceChecker: any member of the space may join.
func (s *Static) CanJoinVoice(ctx context.Context, userID, spaceID, _ string) error {
	spaces, err := s.SpacesFor(ctx, userID)
	if err != nil {
		return err
	}
	if !slices.Contains(spaces, spaceID) {
		return ErrNotPermitted
	}
	return nil
}
