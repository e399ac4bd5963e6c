package zerobrew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/s7manth/zerobrew/tracing"
)

var apiTracer = tracing.Init("api")

// defaultAPIBaseURL is the public Homebrew JSON API, matching the teacher's
// brewAPIRoot.
const defaultAPIBaseURL = "https://formulae.brew.sh/api/formula"

// ApiClient resolves a package name to a Formula by GETting
// <base>/<name>.json, per spec.md §4.2. It can also route owner/repo/formula
// identifiers to the tap-formula backend (tapformula.go).
type ApiClient struct {
	baseURL    string
	httpClient *http.Client
	tapFetcher TapSourceFetcher
}

// ApiClientOption configures an ApiClient, matching the teacher's functional
// options shape (OptionWithHTTPClient / OptionWithCache).
type ApiClientOption func(*ApiClient)

// WithHTTPClient overrides the http.Client used for index requests.
func WithHTTPClient(c *http.Client) ApiClientOption {
	return func(a *ApiClient) { a.httpClient = c }
}

// WithBaseURL overrides the index base URL (default: formulae.brew.sh).
func WithBaseURL(base string) ApiClientOption {
	return func(a *ApiClient) { a.baseURL = base }
}

// WithTapFetcher installs a backend used to resolve owner/repo/formula
// identifiers, per spec.md §4.2's tap-formula routing.
func WithTapFetcher(f TapSourceFetcher) ApiClientOption {
	return func(a *ApiClient) { a.tapFetcher = f }
}

// NewApiClient constructs an ApiClient, defaulting to the public Homebrew
// index and plain http.Client, mirroring the teacher's NewBrewery.
func NewApiClient(opts ...ApiClientOption) *ApiClient {
	a := &ApiClient{baseURL: defaultAPIBaseURL}
	for _, o := range opts {
		o(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{}
	}
	return a
}

// GetFormula fetches a single formula by name. A tap-style
// "owner/repo/formula" name is routed to the tap fetcher if one is
// configured; otherwise it resolves against the configured JSON index.
func (a *ApiClient) GetFormula(ctx context.Context, name string) (Formula, error) {
	if ref := parseTapFormulaRef(name); ref != nil && a.tapFetcher != nil {
		return a.tapFetcher.FetchTapFormula(ctx, *ref)
	}

	ctx, span := apiTracer.Start(ctx, "GetFormula "+name)
	defer span.End()

	url := a.baseURL + "/" + name + ".json"
	var f Formula
	if err := a.getJSON(ctx, url, &f); err != nil {
		var missing *MissingFormulaError
		if errors.As(err, &missing) {
			return Formula{}, &MissingFormulaError{Name: name}
		}
		return Formula{}, err
	}
	return f, nil
}

func (a *ApiClient) getJSON(ctx context.Context, url string, v interface{}) error {
	resp, err := a.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &ApiDecodeError{Name: url, Err: err}
	}
	return nil
}

// get issues a GET request and classifies non-2xx responses per spec.md §4.2:
// 404 becomes MissingFormulaError, anything else becomes ApiError.
func (a *ApiClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error making request for %s: %w", url, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making %s request to %s: %w", http.MethodGet, url, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, &MissingFormulaError{Name: url}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var buf bytes.Buffer
		if resp.Body != nil {
			_, _ = io.Copy(&buf, resp.Body)
			resp.Body.Close()
		}
		return nil, &ApiError{Status: resp.StatusCode, Body: buf.String()}
	}

	return resp, nil
}
