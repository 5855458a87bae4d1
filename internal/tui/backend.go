package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vmenergy/internal/api"
	"vmenergy/internal/attribution"
	"vmenergy/internal/inventory"
)

// LocalBackend queries storage in-process.
type LocalBackend struct {
	Inventory api.InventoryLoader
	Engine    api.Aggregator
}

func (b LocalBackend) Servers(context.Context) ([]inventory.Server, error) {
	inv, err := b.Inventory.Load()
	if err != nil {
		return nil, err
	}
	return inv.Servers, nil
}

func (b LocalBackend) Energy(ctx context.Context, resources map[string][]attribution.VM, start, end string) (float64, error) {
	return b.Engine.Aggregate(ctx, resources, start, end)
}

// HTTPBackend talks to a running "vmenergy serve".
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBackend targets baseURL with a 30s request timeout.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *HTTPBackend) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *HTTPBackend) do(req *http.Request, out interface{}) error {
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d", req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// Servers lists /servers and fetches each server's VMs from /vms.
func (b *HTTPBackend) Servers(ctx context.Context) ([]inventory.Server, error) {
	var listed []struct {
		Name string `json:"name"`
		IP   string `json:"ip"`
	}
	if err := b.get(ctx, "/servers", &listed); err != nil {
		return nil, err
	}
	if len(listed) == 0 {
		return nil, nil
	}

	q := url.Values{}
	for _, s := range listed {
		q.Add("server", s.Name)
		q.Add("ip", s.IP)
	}
	var vms map[string]json.RawMessage
	if err := b.get(ctx, "/vms?"+q.Encode(), &vms); err != nil {
		return nil, err
	}

	servers := make([]inventory.Server, 0, len(listed))
	for _, s := range listed {
		srv := inventory.Server{Name: s.Name, IP: s.IP, VMs: []inventory.VM{}}
		var pairs [][2]string
		if raw, ok := vms[srv.Key()]; ok && json.Unmarshal(raw, &pairs) == nil {
			for _, p := range pairs {
				srv.VMs = append(srv.VMs, inventory.VM{Name: p[0], IP: p[1]})
			}
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// Energy posts the query to /energy.
func (b *HTTPBackend) Energy(ctx context.Context, resources map[string][]attribution.VM, start, end string) (float64, error) {
	vms := make(map[string][][2]string, len(resources))
	for key, list := range resources {
		pairs := make([][2]string, 0, len(list))
		for _, vm := range list {
			pairs = append(pairs, [2]string{vm.Name, vm.IP})
		}
		vms[key] = pairs
	}
	body, err := json.Marshal(map[string]interface{}{
		"dateRange": map[string]string{"start": start, "end": end},
		"vms":       vms,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/energy", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	var total float64
	if err := b.do(req, &total); err != nil {
		return 0, err
	}
	return total, nil
}
