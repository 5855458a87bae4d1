package api

import (
	"net/http"

	"vmenergy/internal/inventory"
)

type serverEntry struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
}

func (s *Server) loadInventory(w http.ResponseWriter) (*inventory.Inventory, bool) {
	inv, err := s.opts.Inventory.Load()
	if err != nil {
		s.opts.Logger.Error("api.inventory.failed", "Failed to load inventory", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeError(w, http.StatusInternalServerError, "Inventory unavailable")
		return nil, false
	}
	return inv, true
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.loadInventory(w)
	if !ok {
		return
	}
	out := make([]serverEntry, 0, len(inv.Servers))
	for i, srv := range inv.Servers {
		out = append(out, serverEntry{ID: i, Name: srv.Name, IP: srv.IP})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleVMs answers /vms?server=a&ip=1.2.3.4&server=b&ip=... with each
// server's VMs as [name, ip] pairs.
func (s *Server) handleVMs(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["server"]
	ips := r.URL.Query()["ip"]
	if len(names) != len(ips) {
		s.writeError(w, http.StatusBadRequest, "Mismatch between number of server names and IPs")
		return
	}

	inv, ok := s.loadInventory(w)
	if !ok {
		return
	}

	result := make(map[string]interface{}, len(names))
	for i := range names {
		key := inventory.Key(names[i], ips[i])
		srv, found := inv.Lookup(key)
		if !found {
			result[key] = map[string]string{"error": "Server name and IP not found"}
			continue
		}
		pairs := make([][2]string, 0, len(srv.VMs))
		for _, vm := range srv.VMs {
			pairs = append(pairs, [2]string{vm.Name, vm.IP})
		}
		result[key] = pairs
	}
	s.writeJSON(w, http.StatusOK, result)
}
