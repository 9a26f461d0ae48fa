package caresync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// a ready-made executor for the common case where a deferred mutation
// is a backend api call. Feature code enqueues
// `{method, path, body}` args under CommandTypeApiCall and registers
// this executor once at startup.

const CommandTypeApiCall = "api_call"

type ApiCallArgs struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

func NewApiCallExecutor(apiUrl string, byJwt string) ExecutorFunction {
	httpClient := defaultClient()

	return func(ctx context.Context, argsJson json.RawMessage) error {
		var args ApiCallArgs
		if err := json.Unmarshal(argsJson, &args); err != nil {
			return err
		}

		var body io.Reader
		if args.Body != nil {
			body = bytes.NewReader(args.Body)
		}
		req, err := http.NewRequestWithContext(ctx, args.Method, apiUrl+args.Path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if byJwt != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
		}

		res, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)

		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return NewAuthError("api call rejected: %s", res.Status)
		}
		if 500 <= res.StatusCode {
			return fmt.Errorf("api call failed: %s", res.Status)
		}
		// 4xx means the call itself is malformed. Retrying cannot
		// succeed, but the retry cap still bounds the damage.
		if 400 <= res.StatusCode {
			return fmt.Errorf("api call rejected: %s", res.Status)
		}
		return nil
	}
}
