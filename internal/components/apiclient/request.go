package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request describes a call that can be dispatched more than once.
// Body is either nil, []byte, string, or a value marshalled to JSON on every
// attempt; streams are not accepted because a replay would find them drained.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   any
	// Anonymous requests carry no bearer token and a 401 is returned as-is.
	// Used for login and registration, where a 401 means bad input.
	Anonymous bool
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// resolveURL joins Path onto base unless Path is already absolute.
func (r Request) resolveURL(base string) (string, error) {
	raw := r.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", r.Path, err)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// bodyReader produces a fresh reader for one attempt.
func (r Request) bodyReader() (io.Reader, bool, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return bytes.NewReader(b), false, nil
	case string:
		return strings.NewReader(b), false, nil
	case io.Reader:
		return nil, false, fmt.Errorf("request body must be replayable, got %T", b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, fmt.Errorf("marshal request body: %w", err)
		}
		return bytes.NewReader(data), true, nil
	}
}

// serverMessage extracts {"message": "..."} from an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
