// Package network moves input events between the sender and receiver roles
// and provides LAN discovery helpers.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single host probe during a scan.
const probeTimeout = 500 * time.Millisecond

// DiscoveredHost is a kvmrelay instance answering on its ops port.
type DiscoveredHost struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Status Status `json:"status"`
}

// GetLocalIP returns the address used for outbound traffic. No packet is
// sent; dialing UDP only selects a route.
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// GetLocalIPs returns all non-loopback IPv4 addresses of interfaces that are up.
func GetLocalIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// ScanLAN probes every address of the local /24 for a kvmrelay ops API on
// port and returns the instances that answered.
func ScanLAN(ctx context.Context, port int) ([]DiscoveredHost, error) {
	localIP, err := GetLocalIP()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IP: %w", err)
	}
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("local address %s is not IPv4", localIP)
	}

	hosts := make([]string, 0, 253)
	for i := 1; i <= 254; i++ {
		candidate := net.IPv4(ip[0], ip[1], ip[2], byte(i)).String()
		if candidate != localIP {
			hosts = append(hosts, candidate)
		}
	}
	return ScanHosts(ctx, hosts, port)
}

// ScanHosts probes the given hosts concurrently. Hosts that do not answer are
// left out; the result is sorted by IP.
func ScanHosts(ctx context.Context, hosts []string, port int) ([]DiscoveredHost, error) {
	client := &http.Client{Timeout: probeTimeout}

	var (
		mu    sync.Mutex
		found []DiscoveredHost
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(64)
	for _, h := range hosts {
		g.Go(func() error {
			if host, ok := probeHost(gctx, client, h, port); ok {
				mu.Lock()
				found = append(found, host)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].IP < found[j].IP })
	if err := ctx.Err(); err != nil {
		return found, err
	}
	return found, nil
}

// probeHost checks /health and then reads /api/status.
func probeHost(ctx context.Context, client *http.Client, ip string, port int) (DiscoveredHost, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	base := "http://" + net.JoinHostPort(ip, strconv.Itoa(port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return DiscoveredHost{}, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return DiscoveredHost{}, false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DiscoveredHost{}, false
	}

	host := DiscoveredHost{IP: ip, Port: port}
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return host, true
	}
	resp, err = client.Do(req)
	if err != nil {
		return host, true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(&host.Status)
	}
	return host, true
}
