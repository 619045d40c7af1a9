// Package dhpo speaks the eClaimLink post-office SOAP 1.1 protocol: listing
// new transactions, searching historical ones, downloading transaction files
// and acknowledging them as downloaded.
package dhpo

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

// Result codes returned in the body of every operation. Zero and positive
// values are success (positive ones may carry a warning message); negative
// values are failures, of which only ResultTransient is retryable.
const (
	ResultOK                = 0
	ResultNoNewTransactions = 2
	ResultInvalidLogin      = -1
	ResultTransient         = -4
)

// Responses larger than this are refused before base64 decoding.
const maxResponseBytes = 256 << 20

// Credentials is one facility's DHPO login pair.
type Credentials struct {
	Login    string
	Password string
}

// ResultError is a non-transient negative result code from the service body.
type ResultError struct {
	Op      string
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s returned result %d: %s", e.Op, e.Code, e.Message)
}

// IsAuthResult reports whether the error is an invalid-login result, which
// callers treat as a facility credential failure rather than a service fault.
func IsAuthResult(err error) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Code == ResultInvalidLogin
}

type config struct {
	TimeoutMS   int `conf:"DHPO_TIMEOUT_MS" conf_default:"60000"`
	MaxRetries  int `conf:"DHPO_MAX_RETRIES" conf_default:"3"`
	RetryWaitMS int `conf:"DHPO_RETRY_WAIT_MS" conf_default:"1000"`
}

// Client is a facility-agnostic DHPO client bound to one service endpoint.
// Credentials are supplied per call so one client can serve every facility
// sharing an endpoint. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

func NewClient(endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("dhpo endpoint must be set")
	}

	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = time.Duration(cfg.RetryWaitMS) * time.Millisecond
	rc.HTTPClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	rc.Logger = nil

	return &Client{httpClient: rc.StandardClient(), endpoint: endpoint}, nil
}

// GetNewTransactions lists the files the facility has not yet acknowledged.
// An empty slice with a nil error means the mailbox is empty.
func (c *Client) GetNewTransactions(ctx context.Context, creds Credentials) ([]TransactionFile, error) {
	const op = "GetNewTransactions"

	raw, err := c.call(ctx, op, actionGetNewTransactions, getNewTransactionsEnvelope(creds))
	if err != nil {
		return nil, err
	}

	var resp getNewTransactionsEnvelopeResp
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling %s response", op)
	}
	if err := checkResult(op, resp.Result, resp.ErrorMessage); err != nil {
		return nil, err
	}

	return parseFileList(resp.Transactions)
}

// SearchTransactions lists files received in the date window regardless of
// download state. Used for backfill; callers filter on Downloaded.
func (c *Client) SearchTransactions(ctx context.Context, creds Credentials, from, to time.Time) ([]TransactionFile, error) {
	const op = "SearchTransactions"

	raw, err := c.call(ctx, op, actionSearchTransactions, searchTransactionsEnvelope(creds, from, to))
	if err != nil {
		return nil, err
	}

	var resp searchTransactionsEnvelopeResp
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling %s response", op)
	}
	if err := checkResult(op, resp.Result, resp.ErrorMessage); err != nil {
		return nil, err
	}

	return parseFileList(resp.Transactions)
}

// DownloadTransactionFile fetches one file's payload. The returned name is
// the service's authoritative file name, which may differ from the listing.
func (c *Client) DownloadTransactionFile(ctx context.Context, creds Credentials, fileID string) (string, []byte, error) {
	const op = "DownloadTransactionFile"

	raw, err := c.call(ctx, op, actionDownloadTransactionFile, downloadTransactionFileEnvelope(creds, fileID))
	if err != nil {
		return "", nil, err
	}

	var resp downloadFileEnvelopeResp
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return "", nil, errors.Wrapf(err, "unmarshalling %s response", op)
	}
	if err := checkResult(op, resp.Result, resp.ErrorMessage); err != nil {
		return "", nil, err
	}

	payload, err := decodePayload(resp.File)
	if err != nil {
		return "", nil, errors.Wrapf(err, "decoding payload of file %s", fileID)
	}
	if len(payload) == 0 {
		return "", nil, errors.Errorf("file %s downloaded empty", fileID)
	}

	return resp.FileName, payload, nil
}

// SetTransactionDownloaded acknowledges a file so the service stops listing
// it as new. Must only be called after the file's data is fully persisted.
func (c *Client) SetTransactionDownloaded(ctx context.Context, creds Credentials, fileID string) error {
	const op = "SetTransactionDownloaded"

	raw, err := c.call(ctx, op, actionSetTransactionDownloaded, setTransactionDownloadedEnvelope(creds, fileID))
	if err != nil {
		return err
	}

	var resp setDownloadedEnvelopeResp
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return errors.Wrapf(err, "unmarshalling %s response", op)
	}
	return checkResult(op, resp.Result, resp.ErrorMessage)
}

func (c *Client) call(ctx context.Context, op, action, envelope string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", op)
	}
	req.Header.Set("Content-Type", `text/xml; charset=utf-8`)
	// SOAP 1.1 requires the action quoted.
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", action))

	reqID := uuid.NewRandom()
	req.Header.Set("X-Request-ID", reqID.String())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &claimserrors.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &claimserrors.TransientNetworkError{Op: op, Err: err}
	}

	log.DHPO.WithFields(logrus.Fields{
		"op":          op,
		"request_id":  reqID.String(),
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(raw),
	}).Debug("soap call complete")

	if resp.StatusCode >= 500 {
		return nil, &claimserrors.TransientNetworkError{
			Op:  op,
			Err: errors.Errorf("service returned HTTP %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s returned HTTP %d", op, resp.StatusCode)
	}

	return raw, nil
}

func checkResult(op string, code *int, msg string) error {
	if code == nil {
		return errors.Errorf("%s response missing result code", op)
	}
	if *code >= 0 {
		if *code > 0 && msg != "" {
			log.DHPO.WithFields(logrus.Fields{"op": op, "code": *code}).Info(msg)
		}
		return nil
	}
	if *code == ResultTransient {
		return &claimserrors.TransientNetworkError{
			Op:  op,
			Err: fmt.Errorf("result %d: %s", *code, msg),
		}
	}
	return &ResultError{Op: op, Code: *code, Message: msg}
}
