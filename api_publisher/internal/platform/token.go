package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"

	"curator/pkg/atomicfile"
	"curator/pkg/logging"
)

// TokenFile persists an OAuth2 token as JSON.
type TokenFile struct {
	path string
	mu   sync.Mutex
}

func NewTokenFile(path string) *TokenFile {
	return &TokenFile{path: path}
}

func (f *TokenFile) Load() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no OAuth2 token at %s; authorize the account first", f.path)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", f.path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %s has neither access nor refresh token", f.path)
	}
	return &tok, nil
}

func (f *TokenFile) Save(tok *oauth2.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(f.path, data, 0o600)
}

// persistingSource writes every newly minted token back to disk. X rotates
// refresh tokens, so losing a refreshed token locks the account out.
type persistingSource struct {
	base   oauth2.TokenSource
	store  *TokenFile
	logger logging.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.store.Save(tok); err != nil {
			s.logger.WithError(err).Error("Failed to persist refreshed OAuth2 token")
		} else {
			s.logger.Debug("Persisted refreshed OAuth2 token")
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
