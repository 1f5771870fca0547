// Package backend adapts the subscriber backend's HTTP API to the engine's
// domain types. Every call goes through the dispatcher for retries and is
// signature checked by the verifier when verification is enabled.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dmitrijs2005/purchasesync/internal/client/dispatcher"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/google/uuid"
)

// NonceSize is the length of the random nonce sent with signed requests.
const NonceSize = 12

const (
	pathSubscribers = "/v1/subscribers/"
	pathIdentify    = "/v1/subscribers/identify"
	pathMapping     = "/v1/product_entitlement_mapping"
)

type Client struct {
	transport  Transport
	dispatcher *dispatcher.Dispatcher
	verifier   *verification.Verifier
	apiKey     string
	logger     logging.Logger
}

type Option func(*Client)

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient wires a Client. A nil verifier disables signature checks.
func NewClient(transport Transport, d *dispatcher.Dispatcher, v *verification.Verifier, apiKey string, opts ...Option) *Client {
	if v == nil {
		v = verification.Disabled()
	}
	c := &Client{transport: transport, dispatcher: d, verifier: v, apiKey: apiKey, logger: logging.NopLogger{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Verifier returns the verifier responses are checked with.
func (c *Client) Verifier() *verification.Verifier { return c.verifier }

type signedResponse struct {
	resp   *Response
	result models.VerificationResult
}

// GetCustomerInfo fetches the subscriber document for appUserID.
func (c *Client) GetCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	req := &Request{Method: http.MethodGet, Path: pathSubscribers + url.PathEscape(appUserID)}
	sr, err := c.call(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return ParseCustomerInfo(sr.resp.Body, sr.result)
}

type identifyBody struct {
	AppUserID    string `json:"app_user_id"`
	NewAppUserID string `json:"new_app_user_id"`
}

// LogIn folds currentID into newID and returns newID's CustomerInfo. created
// reports a 201 answer, meaning newID was new to the backend.
func (c *Client) LogIn(ctx context.Context, currentID, newID string) (*models.CustomerInfo, bool, error) {
	body, err := json.Marshal(identifyBody{AppUserID: currentID, NewAppUserID: newID})
	if err != nil {
		return nil, false, err
	}
	sr, err := c.call(ctx, &Request{Method: http.MethodPost, Path: pathIdentify, Body: body}, true)
	if err != nil {
		return nil, false, err
	}
	info, err := ParseCustomerInfo(sr.resp.Body, sr.result)
	if err != nil {
		return nil, false, err
	}
	return info, sr.resp.StatusCode == http.StatusCreated, nil
}

// CreateAlias associates currentID with newID.
func (c *Client) CreateAlias(ctx context.Context, currentID, newID string) error {
	body, err := json.Marshal(map[string]string{"new_app_user_id": newID})
	if err != nil {
		return err
	}
	req := &Request{Method: http.MethodPost, Path: pathSubscribers + url.PathEscape(currentID) + "/alias", Body: body}
	_, err = c.call(ctx, req, false)
	return err
}

// ProductEntitlementMapping fetches the product to entitlement mapping used
// for offline computations.
func (c *Client) ProductEntitlementMapping(ctx context.Context) (*models.ProductEntitlementMapping, error) {
	sr, err := c.call(ctx, &Request{Method: http.MethodGet, Path: pathMapping}, true)
	if err != nil {
		return nil, err
	}
	var m models.ProductEntitlementMapping
	if err := json.Unmarshal(sr.resp.Body, &m); err != nil {
		return nil, fmt.Errorf("decode entitlement mapping: %w", err)
	}
	if m.Mappings == nil {
		m.Mappings = map[string]models.EntitlementMapping{}
	}
	return &m, nil
}

type attributeWire struct {
	Value       string `json:"value"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// PostSubscriberAttributes sends attrs for appUserID.
func (c *Client) PostSubscriberAttributes(ctx context.Context, appUserID string, attrs map[string]models.SubscriberAttribute) error {
	wire := make(map[string]attributeWire, len(attrs))
	for k, a := range attrs {
		wire[k] = attributeWire{Value: a.Value, UpdatedAtMs: a.SetAt.UnixMilli()}
	}
	body, err := json.Marshal(map[string]any{"attributes": wire})
	if err != nil {
		return err
	}
	req := &Request{Method: http.MethodPost, Path: pathSubscribers + url.PathEscape(appUserID) + "/attributes", Body: body}
	_, err = c.call(ctx, req, false)
	return err
}

// requestID groups identical requests so concurrent duplicates share one
// execution.
func requestID(req *Request) string {
	id := req.Method + " " + req.Path
	if len(req.Body) > 0 {
		sum := sha256.Sum256(req.Body)
		id += " " + hex.EncodeToString(sum[:8])
	}
	return id
}

func (c *Client) call(ctx context.Context, req *Request, signed bool) (signedResponse, error) {
	return dispatcher.Call(ctx, c.dispatcher, requestID(req), func(ctx context.Context) (signedResponse, error) {
		return c.attempt(ctx, req, signed)
	})
}

// attempt performs one round trip. Each attempt gets a fresh nonce so a
// replayed response from an earlier attempt cannot verify.
func (c *Client) attempt(ctx context.Context, req *Request, signed bool) (signedResponse, error) {
	out := &Request{Method: req.Method, Path: req.Path, Body: req.Body, Header: http.Header{}}
	out.Header.Set(common.AuthorizationHeaderName, "Bearer "+c.apiKey)
	out.Header.Set(common.RequestIDHeaderName, uuid.NewString())
	out.Header.Set("Accept", "application/json")
	if req.Body != nil {
		out.Header.Set("Content-Type", "application/json")
	}

	verify := signed && c.verifier.Enabled()
	var nonce []byte
	if verify {
		nonce = common.GenerateRandByteArray(NonceSize)
		out.Header.Set(common.NonceHeaderName, base64.StdEncoding.EncodeToString(nonce))
	}

	resp, err := c.transport.Do(ctx, out)
	if err != nil {
		if ctx.Err() != nil {
			return signedResponse{}, ctx.Err()
		}
		return signedResponse{}, common.Retryable(fmt.Errorf("%s %s: %w", req.Method, req.Path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		berr := parseError(resp)
		c.logger.Debug(ctx, "backend returned an error", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "error", berr)
		return signedResponse{}, berr
	}

	result := models.VerificationNotRequested
	if verify {
		result = c.verifier.Verify(ctx, verification.Input{
			Body:        resp.Body,
			Signature:   resp.Header.Get(common.SignatureHeaderName),
			Nonce:       nonce,
			RequestTime: parseRequestTime(resp.Header.Get(common.RequestTimeHeaderName)),
			ETag:        resp.Header.Get(common.ETagHeaderName),
			Origin:      verification.OriginBackend,
		})
		if result == models.VerificationFailed && c.verifier.Enforced() {
			return signedResponse{}, fmt.Errorf("%s %s: %w", req.Method, req.Path, common.ErrVerificationFailed)
		}
	}
	return signedResponse{resp: resp, result: result}, nil
}

func parseError(resp *Response) *common.BackendError {
	berr := &common.BackendError{StatusCode: resp.StatusCode}
	var w errorWire
	if err := json.Unmarshal(resp.Body, &w); err == nil {
		berr.Code, berr.Message = w.Code, w.Message
	}
	return berr
}

func parseRequestTime(v string) int64 {
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// IsNotFound reports a 404 from the backend.
func IsNotFound(err error) bool {
	var berr *common.BackendError
	return errors.As(err, &berr) && berr.StatusCode == http.StatusNotFound
}
