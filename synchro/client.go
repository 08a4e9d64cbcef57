// Package synchro - bidirectional relay synchronization
package synchro

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
)

// ErrRelayUnavailable the relay could not be reached; retry next cycle
var ErrRelayUnavailable = errors.New("relay unavailable")

// defaultRelayTimeout request timeout applied to every relay call
const defaultRelayTimeout = time.Second * 10

// ErrRelayRejected the relay refused the request
var ErrRelayRejected = errors.New("relay rejected request")

// ErrNotRegistered no bearer token is installed yet
var ErrNotRegistered = errors.New("not registered with relay")

// RelayClient HTTP client for the relay's sync surface.
//
// Every call except Register requires a bearer token, installed either by
// Register or by SetToken when restoring a persisted registration.
type RelayClient interface {
	/*
		Register register this user with the relay

		On success the returned bearer token is installed for subsequent calls.

			@param ctx context.Context - execution context
			@param request models.RegisterRequest - registration parameters
			@returns the registration result
	*/
	Register(ctx context.Context, request models.RegisterRequest) (models.RegisterResponse, error)

	/*
		SetToken install a previously issued bearer token

			@param token string - the bearer token
	*/
	SetToken(token string)

	/*
		PushHistory push a batch of entries to the relay

			@param ctx context.Context - execution context
			@param entries []models.WireEntry - the batch
			@returns the push outcome
	*/
	PushHistory(ctx context.Context, entries []models.WireEntry) (models.HistoryPushResponse, error)

	/*
		FetchHistory fetch shared entries, grouped per friend

			@param ctx context.Context - execution context
			@param since string - optional RFC3339 lower bound on `updated_at`
			@returns per friend shared history
	*/
	FetchHistory(ctx context.Context, since string) (models.HistoryPullResponse, error)

	/*
		PushStatus push the compact status summary

			@param ctx context.Context - execution context
			@param report models.StatusReport - the status report
	*/
	PushStatus(ctx context.Context, report models.StatusReport) error

	/*
		PushReminders push reminder schedules to the relay

			@param ctx context.Context - execution context
			@param reminders []models.WireReminder - the schedules
	*/
	PushReminders(ctx context.Context, reminders []models.WireReminder) error

	/*
		FetchReminders fetch the relay's authoritative reminder schedules

			@param ctx context.Context - execution context
			@returns the schedules
	*/
	FetchReminders(ctx context.Context) ([]models.WireReminder, error)
}

// relayClientImpl implements RelayClient
type relayClientImpl struct {
	goutils.Component

	rest *resty.Client

	tokenLock sync.RWMutex
	token     string
}

/*
NewRelayClient define new relay client

	@param ctx context.Context - execution context
	@param baseURL string - relay base URL
	@returns client instance
*/
func NewRelayClient(_ context.Context, baseURL string) (RelayClient, error) {
	logTags := log.Fields{"module": "synchro", "component": "relay-client", "relay": baseURL}

	return &relayClientImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		rest: resty.New().SetBaseURL(baseURL).SetTimeout(defaultRelayTimeout),
	}, nil
}

// SetToken install a previously issued bearer token
func (c *relayClientImpl) SetToken(token string) {
	c.tokenLock.Lock()
	defer c.tokenLock.Unlock()
	c.token = token
}

// currentToken read the installed bearer token
func (c *relayClientImpl) currentToken() (string, error) {
	c.tokenLock.RLock()
	defer c.tokenLock.RUnlock()
	if c.token == "" {
		return "", ErrNotRegistered
	}
	return c.token, nil
}

// checkRelayOutcome translate a response into the client error taxonomy
func checkRelayOutcome(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("relay request failed [%w]: %s", ErrRelayUnavailable, err.Error())
	}
	if resp.IsError() {
		return fmt.Errorf(
			"relay returned status %d [%w]", resp.StatusCode(), ErrRelayRejected,
		)
	}
	return nil
}

/*
Register register this user with the relay

	@param ctx context.Context - execution context
	@param request models.RegisterRequest - registration parameters
	@returns the registration result
*/
func (c *relayClientImpl) Register(
	ctx context.Context, request models.RegisterRequest,
) (models.RegisterResponse, error) {
	logTags := c.GetLogTagsForContext(ctx)

	var result models.RegisterResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(&request).
		SetResult(&result).
		Post("/v1/register")
	if err := checkRelayOutcome(resp, err); err != nil {
		return models.RegisterResponse{}, err
	}

	c.SetToken(result.Token)
	log.WithFields(logTags).
		WithField("friend_code", result.FriendCode).
		Info("Registered with relay")
	return result, nil
}

/*
PushHistory push a batch of entries to the relay

	@param ctx context.Context - execution context
	@param entries []models.WireEntry - the batch
	@returns the push outcome
*/
func (c *relayClientImpl) PushHistory(
	ctx context.Context, entries []models.WireEntry,
) (models.HistoryPushResponse, error) {
	token, err := c.currentToken()
	if err != nil {
		return models.HistoryPushResponse{}, err
	}

	var result models.HistoryPushResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(&models.HistoryPushRequest{Entries: entries}).
		SetResult(&result).
		Post("/v1/history")
	if err := checkRelayOutcome(resp, err); err != nil {
		return models.HistoryPushResponse{}, err
	}
	return result, nil
}

/*
FetchHistory fetch shared entries, grouped per friend

	@param ctx context.Context - execution context
	@param since string - optional RFC3339 lower bound on `updated_at`
	@returns per friend shared history
*/
func (c *relayClientImpl) FetchHistory(
	ctx context.Context, since string,
) (models.HistoryPullResponse, error) {
	token, err := c.currentToken()
	if err != nil {
		return models.HistoryPullResponse{}, err
	}

	request := c.rest.R().SetContext(ctx).SetAuthToken(token)
	if since != "" {
		request = request.SetQueryParam("since", since)
	}

	var result models.HistoryPullResponse
	resp, err := request.SetResult(&result).Get("/v1/history")
	if err := checkRelayOutcome(resp, err); err != nil {
		return models.HistoryPullResponse{}, err
	}
	return result, nil
}

/*
PushStatus push the compact status summary

	@param ctx context.Context - execution context
	@param report models.StatusReport - the status report
*/
func (c *relayClientImpl) PushStatus(ctx context.Context, report models.StatusReport) error {
	token, err := c.currentToken()
	if err != nil {
		return err
	}

	var result models.StatusResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(&report).
		SetResult(&result).
		Post("/v1/status")
	return checkRelayOutcome(resp, err)
}

/*
PushReminders push reminder schedules to the relay

	@param ctx context.Context - execution context
	@param reminders []models.WireReminder - the schedules
*/
func (c *relayClientImpl) PushReminders(
	ctx context.Context, reminders []models.WireReminder,
) error {
	token, err := c.currentToken()
	if err != nil {
		return err
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(&models.ReminderPushRequest{Reminders: reminders}).
		Post("/v1/reminders")
	return checkRelayOutcome(resp, err)
}

/*
FetchReminders fetch the relay's authoritative reminder schedules

	@param ctx context.Context - execution context
	@returns the schedules
*/
func (c *relayClientImpl) FetchReminders(ctx context.Context) ([]models.WireReminder, error) {
	token, err := c.currentToken()
	if err != nil {
		return nil, err
	}

	var result models.ReminderListResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		Get("/v1/reminders")
	if err := checkRelayOutcome(resp, err); err != nil {
		return nil, err
	}
	return result.Reminders, nil
}
