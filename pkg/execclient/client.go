package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	authorizationHeaderNameConstant = "Authorization"
	bearerSchemePrefixConstant      = "Bearer "
	contentTypeHeaderNameConstant   = "Content-Type"
	jsonContentTypeConstant         = "application/json"
	variablesPathTemplateConstant   = "/execution/v1/variables/%s"
	connectionsPathTemplateConstant = "/execution/v1/connections/%s"
	xcomPathTemplateConstant        = "/execution/v1/xcom/%s/%s/%s/%s"
	tokenPathConstant               = "/execution/v1/token"
	mapIndexQueryParameterConstant  = "map_index"
	defaultMaxAttemptsConstant      = 3
	defaultRequestTimeoutConstant   = 30 * time.Second
	contextRequiredMessageConstant  = "execution context required"
	pushValueErrorTemplateConstant  = "%w: %s"
	decodeResponseErrorTemplate     = "execution api response undecodable: %w"
)

// ErrExecutionContextRequired indicates client construction without a usable context.
var ErrExecutionContextRequired = errors.New(contextRequiredMessageConstant)

// Connection is the wire-level connection descriptor returned to task code.
type Connection struct {
	ConnectionID   string `json:"conn_id"`
	ConnectionType string `json:"conn_type"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Login          string `json:"login,omitempty"`
	Password       string `json:"password,omitempty"`
	SchemaName     string `json:"schema,omitempty"`
	Extra          string `json:"extra,omitempty"`
}

// XComValue is a pulled exchange value. Legacy marks values decoded from the
// archive's read-only path; new code must not depend on legacy values.
type XComValue struct {
	Value  any
	Legacy bool
}

// ClientOptions tunes transport behavior; zero values select defaults.
type ClientOptions struct {
	HTTPClient  *http.Client
	MaxAttempts int
	Backoff     BackoffConfiguration
	Sleep       func(time.Duration)
}

// Client is a synchronous execution API client. Each call blocks until a
// response, a permanent failure, or the retry budget is exhausted.
type Client struct {
	httpClient       *http.Client
	executionContext ExecutionContext
	maxAttempts      int
	backoff          BackoffConfiguration
	sleep            func(time.Duration)
	randomSource     *rand.Rand
}

// NewClient builds a client bound to one task attempt's execution context.
func NewClient(executionContext ExecutionContext, options ClientOptions) (*Client, error) {
	if len(executionContext.APIBaseURL) == 0 || len(executionContext.Token) == 0 {
		return nil, ErrExecutionContextRequired
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeoutConstant}
	}
	maxAttempts := options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttemptsConstant
	}
	backoff := options.Backoff
	if backoff.InitialDelay == 0 {
		backoff = DefaultBackoffConfiguration
	}
	sleep := options.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &Client{
		httpClient:       httpClient,
		executionContext: executionContext,
		maxAttempts:      maxAttempts,
		backoff:          backoff,
		sleep:            sleep,
		randomSource:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Context returns the execution context the client is bound to.
func (client *Client) Context() ExecutionContext {
	return client.executionContext
}

// GetVariable fetches a variable value by key.
func (client *Client) GetVariable(requestContext context.Context, variableKey string) (string, error) {
	requestPath := fmt.Sprintf(variablesPathTemplateConstant, url.PathEscape(variableKey))
	responseBody, requestError := client.execute(requestContext, http.MethodGet, requestPath, nil)
	if requestError != nil {
		return "", requestError
	}

	var variable struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if unmarshalError := json.Unmarshal(responseBody, &variable); unmarshalError != nil {
		return "", fmt.Errorf(decodeResponseErrorTemplate, unmarshalError)
	}
	return variable.Value, nil
}

// GetConnection fetches a connection descriptor by identifier.
func (client *Client) GetConnection(requestContext context.Context, connectionID string) (Connection, error) {
	requestPath := fmt.Sprintf(connectionsPathTemplateConstant, url.PathEscape(connectionID))
	responseBody, requestError := client.execute(requestContext, http.MethodGet, requestPath, nil)
	if requestError != nil {
		return Connection{}, requestError
	}

	var connection Connection
	if unmarshalError := json.Unmarshal(responseBody, &connection); unmarshalError != nil {
		return Connection{}, fmt.Errorf(decodeResponseErrorTemplate, unmarshalError)
	}
	return connection, nil
}

// PushXCom stores a JSON-representable value under the task's own exchange
// key. Values the encoder cannot represent fail with ErrSerialization before
// any request is issued.
func (client *Client) PushXCom(requestContext context.Context, exchangeKey string, value any) error {
	payload, marshalError := json.Marshal(value)
	if marshalError != nil {
		return fmt.Errorf(pushValueErrorTemplateConstant, ErrSerialization, marshalError)
	}

	requestPath := client.xcomPath(client.executionContext.TaskID, exchangeKey)
	_, requestError := client.execute(requestContext, http.MethodPut, requestPath, payload)
	return requestError
}

// PullXCom fetches the task's own exchange value for the key.
func (client *Client) PullXCom(requestContext context.Context, exchangeKey string) (XComValue, error) {
	return client.PullXComFrom(requestContext, client.executionContext.TaskID, exchangeKey)
}

// PullXComFrom fetches an exchange value pushed by another task in the same run.
func (client *Client) PullXComFrom(requestContext context.Context, taskID string, exchangeKey string) (XComValue, error) {
	requestPath := client.xcomPath(taskID, exchangeKey)
	responseBody, requestError := client.execute(requestContext, http.MethodGet, requestPath, nil)
	if requestError != nil {
		return XComValue{}, requestError
	}

	var pullResponse struct {
		Key    string          `json:"key"`
		Value  json.RawMessage `json:"value"`
		Legacy bool            `json:"legacy"`
	}
	if unmarshalError := json.Unmarshal(responseBody, &pullResponse); unmarshalError != nil {
		return XComValue{}, fmt.Errorf(decodeResponseErrorTemplate, unmarshalError)
	}

	var decodedValue any
	if unmarshalError := json.Unmarshal(pullResponse.Value, &decodedValue); unmarshalError != nil {
		return XComValue{}, fmt.Errorf(decodeResponseErrorTemplate, unmarshalError)
	}
	return XComValue{Value: decodedValue, Legacy: pullResponse.Legacy}, nil
}

// Terminate revokes the task attempt's token. Termination is idempotent.
func (client *Client) Terminate(requestContext context.Context) error {
	_, requestError := client.execute(requestContext, http.MethodDelete, tokenPathConstant, nil)
	return requestError
}

func (client *Client) xcomPath(taskID string, exchangeKey string) string {
	requestPath := fmt.Sprintf(xcomPathTemplateConstant,
		url.PathEscape(client.executionContext.DagID),
		url.PathEscape(client.executionContext.RunID),
		url.PathEscape(taskID),
		url.PathEscape(exchangeKey),
	)
	if client.executionContext.MapIndex >= 0 {
		requestPath = requestPath + "?" + mapIndexQueryParameterConstant + "=" + strconv.Itoa(client.executionContext.MapIndex)
	}
	return requestPath
}

// execute performs one logical request. Transport failures and server-side
// internal errors retry with bounded exponential backoff; structured 4xx
// failures surface immediately — they are not transient.
func (client *Client) execute(requestContext context.Context, method string, requestPath string, payload []byte) ([]byte, error) {
	requestURL := strings.TrimSuffix(client.executionContext.APIBaseURL, "/") + requestPath

	var lastTransportError error
	for attempt := 1; attempt <= client.maxAttempts; attempt++ {
		if attempt > 1 {
			client.sleep(NextBackoffDelay(client.backoff, attempt, client.randomSource))
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		request, buildError := http.NewRequestWithContext(requestContext, method, requestURL, bodyReader)
		if buildError != nil {
			return nil, buildError
		}
		request.Header.Set(authorizationHeaderNameConstant, bearerSchemePrefixConstant+client.executionContext.Token)
		request.Header.Set(ContractVersionHeaderName, ContractVersion)
		if payload != nil {
			request.Header.Set(contentTypeHeaderNameConstant, jsonContentTypeConstant)
		}

		response, transportError := client.httpClient.Do(request)
		if transportError != nil {
			if requestContext.Err() != nil {
				return nil, requestContext.Err()
			}
			lastTransportError = transportError
			continue
		}

		responseBody, readError := io.ReadAll(response.Body)
		_ = response.Body.Close()
		if readError != nil {
			lastTransportError = readError
			continue
		}

		if response.StatusCode >= http.StatusInternalServerError {
			lastTransportError = apiErrorFromResponse(response.StatusCode, responseBody)
			continue
		}
		if response.StatusCode >= http.StatusBadRequest {
			return nil, apiErrorFromResponse(response.StatusCode, responseBody)
		}
		return responseBody, nil
	}

	return nil, TransportError{Attempts: client.maxAttempts, Cause: lastTransportError}
}

func apiErrorFromResponse(statusCode int, responseBody []byte) APIError {
	var wireError struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(responseBody, &wireError)
	return APIError{StatusCode: statusCode, Code: wireError.Error, Detail: wireError.Detail}
}
