/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package slack

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	slackapi "github.com/slack-go/slack"
)

// Token is one workspace installation, as returned by the OAuth access
// exchange.
type Token struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	Team        Team   `json:"team"`
}

// Team identifies the workspace a token belongs to.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// TokenRegistry persists workspace tokens in a JSON file. Reads always
// hit the file, so edits by hand are picked up without a restart.
type TokenRegistry struct {
	mu   sync.Mutex
	path string
}

// NewTokenRegistry returns a registry backed by the file at path. The
// file does not need to exist yet.
func NewTokenRegistry(path string) *TokenRegistry {
	return &TokenRegistry{path: path}
}

// Tokens returns every registered installation.
func (r *TokenRegistry) Tokens() ([]Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *TokenRegistry) read() ([]Token, error) {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token registry %s: %v", r.path, err)
	}
	var tokens []Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token registry %s: %v", r.path, err)
	}
	return tokens, nil
}

// Register appends an installation to the registry.
func (r *TokenRegistry) Register(tok Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens, err := r.read()
	if err != nil {
		return err
	}
	tokens = append(tokens, tok)
	raw, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing token registry: %v", err)
	}
	if err := os.WriteFile(r.path, raw, 0o600); err != nil {
		return fmt.Errorf("writing token registry %s: %v", r.path, err)
	}
	return nil
}

// ForTeam returns the first token registered for the workspace.
func (r *TokenRegistry) ForTeam(teamID string) (Token, bool, error) {
	tokens, err := r.Tokens()
	if err != nil {
		return Token{}, false, err
	}
	for _, tok := range tokens {
		if tok.Team.ID == teamID {
			return tok, true, nil
		}
	}
	return Token{}, false, nil
}

// ExchangeCode trades an OAuth install code for a workspace token and
// registers it.
func ExchangeCode(client *http.Client, registry *TokenRegistry, clientID, clientSecret, code, redirectURI string) (Token, error) {
	resp, err := slackapi.GetOAuthV2Response(client, clientID, clientSecret, code, redirectURI)
	if err != nil {
		return Token{}, fmt.Errorf("exchanging oauth code: %w", err)
	}
	tok := Token{
		AccessToken: resp.AccessToken,
		Scope:       resp.Scope,
		BotUserID:   resp.BotUserID,
		Team:        Team{ID: resp.Team.ID, Name: resp.Team.Name},
	}
	if err := registry.Register(tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}
