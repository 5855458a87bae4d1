// Package inventory reads the list of known servers and their VMs.
//
// The file holds one server per line:
//
//	rack1 20.20.20.20: (web, 10.10.10.10), (db, 10.10.10.11)
//
// Lines that do not match are ignored.
package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// VM is a virtual machine listed under a server.
type VM struct {
	Name string
	IP   string
}

// Server is one inventory line.
type Server struct {
	Name string
	IP   string
	VMs  []VM
}

// Key is the "name_ip" identifier used by the query surface.
func (s Server) Key() string { return Key(s.Name, s.IP) }

// Key builds a server key.
func Key(name, ip string) string { return name + "_" + ip }

// Inventory is the parsed file, in file order.
type Inventory struct {
	Servers []Server
	byKey   map[string]int
}

// Lookup finds a server by key.
func (inv *Inventory) Lookup(key string) (Server, bool) {
	i, ok := inv.byKey[key]
	if !ok {
		return Server{}, false
	}
	return inv.Servers[i], true
}

var (
	serverLine = regexp.MustCompile(`^(\w+)\s+(\d+\.\d+\.\d+\.\d+):\s*(.*)$`)
	vmEntry    = regexp.MustCompile(`\((\w+),\s*(\d+\.\d+\.\d+\.\d+)\)`)
)

// Parse reads an inventory. A repeated key replaces the earlier server's VMs
// and keeps its position.
func Parse(r io.Reader) (*Inventory, error) {
	inv := &Inventory{byKey: make(map[string]int)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := serverLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		srv := Server{Name: m[1], IP: m[2], VMs: []VM{}}
		for _, vm := range vmEntry.FindAllStringSubmatch(m[3], -1) {
			srv.VMs = append(srv.VMs, VM{Name: vm[1], IP: vm[2]})
		}
		if i, ok := inv.byKey[srv.Key()]; ok {
			inv.Servers[i] = srv
			continue
		}
		inv.byKey[srv.Key()] = len(inv.Servers)
		inv.Servers = append(inv.Servers, srv)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return inv, nil
}

// File loads the inventory from disk on every call so edits apply without a
// restart.
type File struct {
	Path string
}

// Load parses the file.
func (f File) Load() (*Inventory, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory %s: %w", f.Path, err)
	}
	defer fh.Close()
	return Parse(fh)
}
