// Package github is the remote content provider: it authenticates as a GitHub
// App installation and reads repository contents and trees.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

const DefaultAPIURL = "https://api.github.com"

var (
	ErrNotFound     = errors.New("path not found")
	ErrNotAFile     = errors.New("path is not a regular file")
	ErrUndecodable  = errors.New("content is not valid utf-8 text")
	ErrUnauthorized = errors.New("installation credential rejected")
)

// Config holds the GitHub App credentials.
type Config struct {
	AppID      string
	PrivateKey string // PEM; literal "\n" sequences are accepted
	APIURL     string
}

// Client talks to the GitHub REST API on behalf of app installations.
type Client struct {
	appID   string
	key     *rsa.PrivateKey
	baseURL string
	http    *http.Client
	tokens  *expirable.LRU[int64, installationToken]
	now     func() time.Time
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New parses the app private key and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("github app id is required")
	}
	pem := strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}
	return &Client{
		appID:   cfg.AppID,
		key:     key,
		baseURL: base,
		http:    &http.Client{Timeout: 20 * time.Second},
		tokens:  expirable.NewLRU[int64, installationToken](1024, nil, time.Hour),
		now:     time.Now,
	}, nil
}

// appJWT signs the short-lived token used to mint installation tokens.
func (c *Client) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    c.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

// InstallationToken returns a cached access token for the installation,
// minting a new one when the cached token is within a minute of expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if tok, ok := c.tokens.Get(installationID); ok && c.now().Add(time.Minute).Before(tok.ExpiresAt) {
		return tok.Token, nil
	}

	signed, err := c.appJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+signed)

	var tok installationToken
	if err := c.do(req, &tok); err != nil {
		return "", fmt.Errorf("installation %d token: %w", installationID, err)
	}
	c.tokens.Add(installationID, tok)
	return tok.Token, nil
}

// RepoName strips an optional "owner/" prefix from repo.
func RepoName(repo string) string {
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		return repo[i+1:]
	}
	return repo
}

// GetFileContent returns the UTF-8 text of a single regular file.
func (c *Client) GetFileContent(ctx context.Context, installationID int64, owner, repo, path string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.baseURL, url.PathEscape(owner), url.PathEscape(RepoName(repo)), escapePath(path))

	var raw json.RawMessage
	if err := c.authed(ctx, installationID, endpoint, &raw); err != nil {
		return "", err
	}
	if len(raw) > 0 && raw[0] == '[' {
		return "", ErrNotAFile
	}

	var f struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode contents response: %w", err)
	}
	if f.Type != "file" || f.Content == "" {
		return "", ErrNotAFile
	}
	b, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(f.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if !utf8.Valid(b) {
		return "", ErrUndecodable
	}
	return string(b), nil
}

// ListTree returns the blob paths of the repository at ref, in tree order.
func (c *Client) ListTree(ctx context.Context, installationID int64, owner, repo, ref string) ([]string, error) {
	name := RepoName(repo)
	var branch struct {
		Commit struct {
			Commit struct {
				Tree struct {
					SHA string `json:"sha"`
				} `json:"tree"`
			} `json:"commit"`
		} `json:"commit"`
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches/%s", c.baseURL, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(ref))
	if err := c.authed(ctx, installationID, endpoint, &branch); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	var tree struct {
		Truncated bool `json:"truncated"`
		Tree      []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
	}
	endpoint = fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.baseURL, url.PathEscape(owner), url.PathEscape(name), branch.Commit.Commit.Tree.SHA)
	if err := c.authed(ctx, installationID, endpoint, &tree); err != nil {
		return nil, fmt.Errorf("list tree: %w", err)
	}
	if tree.Truncated {
		log.Warn().Str("owner", owner).Str("repo", name).Msg("git tree truncated by github, catalog is partial")
	}

	paths := make([]string, 0, len(tree.Tree))
	for _, e := range tree.Tree {
		if e.Type == "blob" {
			paths = append(paths, e.Path)
		}
	}
	return paths, nil
}

func (c *Client) authed(ctx context.Context, installationID int64, endpoint string, into any) error {
	tok, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+tok)
	return c.do(req, into)
}

func (c *Client) do(req *http.Request, into any) error {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("github returned status %s", strconv.Itoa(resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
