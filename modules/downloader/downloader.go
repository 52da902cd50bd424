// Package downloader implements the JSON-RPC 2.0 client for the
// content-transfer daemon. The daemon owns the actual byte transfer; this
// client only creates, inspects and controls transfers by handle. Scheduler
// and worker share a single client, so every method is safe for concurrent
// use.
package downloader

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

const (
	// requestTimeout bounds one RPC round trip including body read.
	requestTimeout = 30 * time.Second

	// dialTimeout bounds the TCP connect to the daemon.
	dialTimeout = 5 * time.Second

	// callAttempts is how many times a transport-level failure is retried
	// before the call surfaces as transient.
	callAttempts = 3

	// retryBaseDelay is the base of the jittered delay between attempts.
	retryBaseDelay = 250 * time.Millisecond
)

// statusKeys restricts tellStatus responses to the fields the worker reads.
var statusKeys = []string{
	"gid", "status", "completedLength", "totalLength",
	"downloadSpeed", "errorCode", "errorMessage", "files",
}

// Client talks to one download daemon endpoint.
type Client struct {
	rpcURL string
	secret string
	client *http.Client
	log    *persist.Logger
}

// New returns a client for the daemon at rpcURL. The secret, if non-empty, is
// sent as the first parameter of every call per the daemon's token scheme.
func New(rpcURL, secret string, log *persist.Logger) *Client {
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
		},
		log: log,
	}
}

// rpcRequest is the JSON-RPC 2.0 envelope sent to the daemon.
type rpcRequest struct {
	Version string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcError is the error member of a JSON-RPC 2.0 response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is the JSON-RPC 2.0 envelope received from the daemon.
type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call performs one RPC, retrying transport failures with jittered delays.
// A transport failure after all attempts surfaces as ErrDownloaderTransient;
// an error the daemon itself returned surfaces as ErrDownloaderPermanent
// unless mapped otherwise by the caller.
func (c *Client) call(method string, params []interface{}, result interface{}) error {
	if c.secret != "" {
		params = append([]interface{}{"token:" + c.secret}, params...)
	}
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		Version: "2.0",
		ID:      "fetchd-" + persist.RandomSuffix(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.AddContext(err, "unable to encode rpc request")
	}

	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			time.Sleep(delay + time.Duration(fastrand.Intn(int(delay))))
		}
		resp, err := c.client.Post(c.rpcURL, "application/json-rpc", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<22))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = errors.New("daemon returned " + resp.Status)
			continue
		}

		var envelope rpcResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return errors.Compose(errors.AddContext(err, "malformed rpc response"), modules.ErrDownloaderPermanent)
		}
		if envelope.Error != nil {
			return errors.Compose(errors.New("rpc error "+strconv.Itoa(envelope.Error.Code)+": "+envelope.Error.Message), modules.ErrDownloaderPermanent)
		}
		if result != nil {
			if err := json.Unmarshal(envelope.Result, result); err != nil {
				return errors.Compose(errors.AddContext(err, "malformed rpc result"), modules.ErrDownloaderPermanent)
			}
		}
		return nil
	}
	if c.log != nil {
		c.log.Debugf("rpc %v failed after %v attempts: %v", method, callAttempts, lastErr)
	}
	return errors.Compose(errors.AddContext(lastErr, method), modules.ErrDownloaderTransient)
}

// AddURI creates a download and returns its handle. Alternate URIs of the
// same file may be passed together; the daemon tries them in order.
func (c *Client) AddURI(uris []string, opts modules.DownloadOptions) (string, error) {
	if len(uris) == 0 {
		return "", errors.Compose(errors.New("no uris given"), modules.ErrValidation)
	}
	options := make(map[string]string)
	if opts.Dir != "" {
		options["dir"] = opts.Dir
	}
	if opts.Out != "" {
		options["out"] = opts.Out
	}
	if opts.MaxDownloadLimit > 0 {
		options["max-download-limit"] = strconv.FormatUint(opts.MaxDownloadLimit, 10)
	}
	if opts.Continue {
		options["continue"] = "true"
	}
	if opts.CheckIntegrity {
		options["check-integrity"] = "true"
	}
	var handle string
	err := c.call("aria2.addUri", []interface{}{uris, options}, &handle)
	if err != nil {
		return "", errors.AddContext(err, "unable to create download")
	}
	if handle == "" {
		build.Critical("daemon returned an empty handle without an error")
	}
	return handle, nil
}

// rawStatus mirrors the daemon's tellStatus result. All numeric fields arrive
// as decimal strings.
type rawStatus struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	CompletedLength string `json:"completedLength"`
	TotalLength     string `json:"totalLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path   string `json:"path"`
		Length string `json:"length"`
	} `json:"files"`
}

// parseUint reads one of the daemon's decimal string counters. A field the
// daemon omitted parses as zero.
func parseUint(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// toStatus converts a raw daemon row into the typed snapshot. A state string
// outside the known set surfaces as an error so the worker can fail the job
// instead of guessing.
func toStatus(raw rawStatus) (modules.DownloadStatus, error) {
	state := modules.DownloadState(raw.Status)
	switch state {
	case modules.DownloadActive, modules.DownloadWaiting, modules.DownloadPaused,
		modules.DownloadComplete, modules.DownloadError, modules.DownloadRemoved:
	default:
		return modules.DownloadStatus{}, errors.Compose(errors.New("unexpected daemon state "+raw.Status), modules.ErrDownloaderPermanent)
	}
	status := modules.DownloadStatus{
		Handle:         raw.GID,
		State:          state,
		CompletedBytes: parseUint(raw.CompletedLength),
		TotalBytes:     parseUint(raw.TotalLength),
		SpeedBPS:       parseUint(raw.DownloadSpeed),
		ErrorMessage:   raw.ErrorMessage,
	}
	if raw.ErrorCode != "" {
		code, err := strconv.Atoi(raw.ErrorCode)
		if err == nil {
			status.ErrorCode = code
		}
	}
	for _, f := range raw.Files {
		status.Files = append(status.Files, modules.DownloadFile{
			Path:   f.Path,
			Length: parseUint(f.Length),
		})
	}
	return status, nil
}

// Status returns a snapshot of the transfer bound to handle.
func (c *Client) Status(handle string) (modules.DownloadStatus, error) {
	var raw rawStatus
	err := c.call("aria2.tellStatus", []interface{}{handle, statusKeys}, &raw)
	if err != nil {
		return modules.DownloadStatus{}, errors.AddContext(err, "unable to fetch status of "+handle)
	}
	return toStatus(raw)
}

// Pause suspends the transfer bound to handle. Pausing a handle that is
// already paused is treated as success.
func (c *Client) Pause(handle string) error {
	err := c.call("aria2.pause", []interface{}{handle}, nil)
	if err != nil && isHandleGone(err) {
		return nil
	}
	return err
}

// Unpause resumes a paused transfer.
func (c *Client) Unpause(handle string) error {
	return c.call("aria2.unpause", []interface{}{handle}, nil)
}

// Remove cancels the transfer bound to handle. Removing a handle the daemon
// no longer knows is a no-op.
func (c *Client) Remove(handle string) error {
	err := c.call("aria2.remove", []interface{}{handle}, nil)
	if err != nil && isHandleGone(err) {
		return nil
	}
	return err
}

// Purge drops the daemon's result record for a finished handle. A missing
// record is a no-op.
func (c *Client) Purge(handle string) error {
	err := c.call("aria2.removeDownloadResult", []interface{}{handle}, nil)
	if err != nil && isHandleGone(err) {
		return nil
	}
	return err
}

// TellActive returns a snapshot of every active transfer.
func (c *Client) TellActive() ([]modules.DownloadStatus, error) {
	var raws []rawStatus
	err := c.call("aria2.tellActive", []interface{}{statusKeys}, &raws)
	if err != nil {
		return nil, errors.AddContext(err, "unable to list active downloads")
	}
	statuses := make([]modules.DownloadStatus, 0, len(raws))
	for _, raw := range raws {
		status, err := toStatus(raw)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// SetGlobalRateLimit updates the daemon-wide download cap in bytes per
// second. Zero lifts the cap.
func (c *Client) SetGlobalRateLimit(bps uint64) error {
	options := map[string]string{
		"max-overall-download-limit": strconv.FormatUint(bps, 10),
	}
	return c.call("aria2.changeGlobalOption", []interface{}{options}, nil)
}

// isHandleGone reports whether an rpc error indicates the daemon no longer
// tracks the handle. The daemon phrases this a few different ways across
// versions.
func isHandleGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"is not found", "no such download", "cannot be paused now"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
