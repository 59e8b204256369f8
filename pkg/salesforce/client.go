// Package salesforce implements the remote connection against the
// Salesforce REST API: OAuth2 username-password login and SOQL queries
// with nextRecordsUrl continuation.
package salesforce

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ajitpratap0/crmsync/pkg/clients"
	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

const tokenPath = "/services/oauth2/token"

// Config configures the client
type Config struct {
	LoginURL     string
	APIVersion   string
	ClientID     string
	ClientSecret string
	// PageSize is sent as the batchSize query option (200 to 2000)
	PageSize int
}

// Client logs in to Salesforce. It implements connection.Authenticator.
type Client struct {
	config Config
	http   *clients.HTTPClient
	logger *zap.Logger
}

// NewClient creates a new Salesforce client
func NewClient(config Config, httpClient *clients.HTTPClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = clients.NewHTTPClient(nil, logger)
	}
	return &Client{
		config: config,
		http:   httpClient,
		logger: logger.With(zap.String("component", "salesforce")),
	}
}

// Login runs the OAuth2 username-password flow and returns a session bound
// to the instance URL returned with the token.
func (c *Client) Login(ctx context.Context, username, password string) (connection.Connection, error) {
	conf := &oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(c.config.LoginURL, "/") + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http.StdClient())
	tok, err := conf.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "salesforce login")
	}

	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, errors.New(errors.ErrorTypeAuthentication, "token response has no instance_url")
	}

	c.logger.Debug("salesforce session established", zap.String("instance_url", instanceURL))
	return &Session{
		client:      c,
		instanceURL: strings.TrimRight(instanceURL, "/"),
		accessToken: tok.AccessToken,
	}, nil
}

// Session is an authenticated Salesforce connection
type Session struct {
	client      *Client
	instanceURL string
	accessToken string
}

type queryPage struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// Query runs soql and hands each row to fn. Pages are fetched one after
// another until the result is exhausted, opts.MaxFetch rows were delivered
// or opts.MaxPages pages were read.
func (s *Session) Query(ctx context.Context, soql string, opts connection.QueryOptions, fn connection.RecordFunc) error {
	logger := s.client.logger.With(zap.String("soql", soql))

	next := s.instanceURL + "/services/data/" + s.client.config.APIVersion + "/query?q=" + url.QueryEscape(soql)
	delivered, pages := 0, 0

	for next != "" {
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			logger.Warn("page cap reached, stopping query",
				zap.Int("pages", pages), zap.Int("records", delivered))
			return nil
		}

		page, err := s.fetchPage(ctx, next)
		if err != nil {
			return err
		}
		pages++

		for _, row := range page.Records {
			if opts.MaxFetch > 0 && delivered >= opts.MaxFetch {
				logger.Debug("fetch cap reached", zap.Int("records", delivered), zap.Int("total_size", page.TotalSize))
				return nil
			}
			if err := fn(row); err != nil {
				return err
			}
			delivered++
		}

		if page.Done || page.NextRecordsURL == "" {
			break
		}
		if opts.MaxFetch > 0 && delivered >= opts.MaxFetch {
			break
		}
		next = s.instanceURL + page.NextRecordsURL
	}

	logger.Debug("query complete", zap.Int("pages", pages), zap.Int("records", delivered))
	return nil
}

func (s *Session) fetchPage(ctx context.Context, pageURL string) (*queryPage, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + s.accessToken,
		"Accept":        "application/json",
	}
	if s.client.config.PageSize > 0 {
		headers["Sforce-Query-Options"] = "batchSize=" + strconv.Itoa(s.client.config.PageSize)
	}

	resp, err := s.client.http.Get(ctx, pageURL, headers)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "query request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var page queryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "decode query response")
	}
	return &page, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErrs []apiError
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErrs) == nil && len(apiErrs) > 0 {
		message = apiErrs[0].ErrorCode + ": " + apiErrs[0].Message
	}

	errType := errors.ErrorTypeFetch
	if resp.StatusCode == http.StatusUnauthorized {
		errType = errors.ErrorTypeAuthentication
	}
	return errors.Newf(errType, "query returned %d: %s", resp.StatusCode, message).
		WithDetail("status", resp.StatusCode)
}
