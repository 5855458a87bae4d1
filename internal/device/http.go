package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultPowerPath is the Shelly Gen2 switch status endpoint.
	DefaultPowerPath = "/rpc/Switch.GetStatus?id=0"
	// DefaultPowerField is the wattage field in that status document.
	DefaultPowerField = "apower"
)

// HTTPPlug reads a smart plug that reports its status as JSON over HTTP.
// PowerField is a dotted path into the document, e.g. "StatusSNS.ENERGY.Power".
type HTTPPlug struct {
	client   *http.Client
	endpoint string
	field    []string
	username string
	password string
}

// NewHTTPPlug validates the address and builds the client.
func NewHTTPPlug(opts Options) (*HTTPPlug, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("http device requires an address")
	}
	base := opts.Address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", opts.Address, err)
	}

	path := opts.PowerPath
	if path == "" {
		path = DefaultPowerPath
	}
	field := opts.PowerField
	if field == "" {
		field = DefaultPowerField
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPPlug{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"),
		field:    strings.Split(field, "."),
		username: opts.Username,
		password: opts.Password,
	}, nil
}

// ReadInstantPower fetches the status document and extracts the wattage.
func (p *HTTPPlug) ReadInstantPower(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: plug answered %s", ErrUnavailable, resp.Status)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("%w: decode status: %v", ErrUnavailable, err)
	}

	return lookupNumber(doc, p.field)
}

// Close releases idle connections.
func (p *HTTPPlug) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func lookupNumber(doc map[string]interface{}, path []string) (float64, error) {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return 0, fmt.Errorf("%w: field %q not found", ErrUnavailable, strings.Join(path, "."))
		}
		cur, ok = m[key]
		if !ok {
			return 0, fmt.Errorf("%w: field %q not found", ErrUnavailable, strings.Join(path, "."))
		}
	}
	watts, ok := cur.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not a number", ErrUnavailable, strings.Join(path, "."))
	}
	return watts, nil
}
