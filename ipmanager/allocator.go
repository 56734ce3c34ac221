// Package ipmanager owns allocation of scarce VPN resources: subnet
// discriminators, listen ports, and per-subnet host addresses. Decisions are
// made by scanning the current record set for the lowest unused value, so
// every exported method serializes on one pool-wide mutex; two concurrent
// scans must never pick the same "lowest free" slot. The pool is small
// (at most 254 subnets) so global serialization costs nothing.
package ipmanager

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"gorm.io/gorm"

	"lanlobby/domain"
	"lanlobby/models"
)

const (
	// Subnets are 10.N.0.0/24 with the server on .1.
	subnetMin = 1
	subnetMax = 254

	// Listen ports, [PortMin, PortMax).
	PortMin = 51820
	PortMax = 51900

	// Peer host numbers within a subnet; .1 is the server.
	hostMin = 2
	hostMax = 254
)

// KeyGenFunc mints a WireGuard keypair (private, public). Injected so the
// allocator stays free of crypto and tests stay deterministic.
type KeyGenFunc func() (privateKey, publicKey string, err error)

type Allocator struct {
	db *gorm.DB
	mu sync.Mutex
}

func New(db *gorm.DB) *Allocator {
	return &Allocator{db: db}
}

// AcquireConfig returns a network config ready to be brought up, marking it
// active. It prefers any inactive config over minting a new one: without
// first-fit reuse every room ever created would leak a subnet and a port.
// The returned bool reports whether the config was reused.
func (a *Allocator) AcquireConfig(genKeys KeyGenFunc) (*models.NetworkConfig, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free models.NetworkConfig
	err := a.db.Where("is_active = ?", false).Order("id asc").First(&free).Error
	switch {
	case err == nil:
		free.IsActive = true
		if err := a.db.Save(&free).Error; err != nil {
			return nil, false, fmt.Errorf("reactivating config %d: %w", free.ID, err)
		}
		return &free, true, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, fmt.Errorf("scanning free configs: %w", err)
	}

	subnet, err := a.lowestFreeSubnet()
	if err != nil {
		return nil, false, err
	}
	port, err := a.lowestFreePort()
	if err != nil {
		return nil, false, err
	}
	priv, pub, err := genKeys()
	if err != nil {
		return nil, false, fmt.Errorf("generating server keypair: %w", err)
	}

	cfg := &models.NetworkConfig{
		PrivateKey: priv,
		PublicKey:  pub,
		ServerIP:   fmt.Sprintf("10.%d.0.1/24", subnet),
		ListenPort: port,
		IsActive:   true,
	}
	if err := a.db.Create(cfg).Error; err != nil {
		return nil, false, fmt.Errorf("persisting network config: %w", err)
	}
	cfg.NetworkName = fmt.Sprintf("wg-room-%d", cfg.ID)
	if err := a.db.Model(cfg).Update("network_name", cfg.NetworkName).Error; err != nil {
		a.db.Delete(&models.NetworkConfig{}, cfg.ID)
		return nil, false, fmt.Errorf("naming network config: %w", err)
	}
	return cfg, false, nil
}

// AllocatePeerAddress returns the lowest unused host address inside the
// config's subnet as a /32, e.g. "10.4.0.2/32".
func (a *Allocator) AllocatePeerAddress(cfg *models.NetworkConfig) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base, ok := subnetBase(cfg.ServerIP)
	if !ok {
		return "", fmt.Errorf("config %d has malformed server ip %q", cfg.ID, cfg.ServerIP)
	}

	var peers []models.NetworkPeer
	if err := a.db.Where("network_config_id = ?", cfg.ID).Find(&peers).Error; err != nil {
		return "", fmt.Errorf("scanning peers for config %d: %w", cfg.ID, err)
	}
	used := make(map[int]bool, len(peers))
	for _, p := range peers {
		if h, ok := hostOctet(p.AllowedIPs); ok {
			used[h] = true
		}
	}

	for h := hostMin; h <= hostMax; h++ {
		if !used[h] {
			return fmt.Sprintf("%s.%d/32", base, h), nil
		}
	}
	return "", fmt.Errorf("subnet %s: %w", cfg.ServerIP, domain.ErrResourceExhausted)
}

func (a *Allocator) lowestFreeSubnet() (int, error) {
	var configs []models.NetworkConfig
	if err := a.db.Find(&configs).Error; err != nil {
		return 0, fmt.Errorf("scanning subnets: %w", err)
	}
	used := make(map[int]bool, len(configs))
	for _, c := range configs {
		if n, ok := subnetOctet(c.ServerIP); ok {
			used[n] = true
		}
	}
	for n := subnetMin; n <= subnetMax; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, fmt.Errorf("subnet pool: %w", domain.ErrResourceExhausted)
}

func (a *Allocator) lowestFreePort() (int, error) {
	var configs []models.NetworkConfig
	if err := a.db.Find(&configs).Error; err != nil {
		return 0, fmt.Errorf("scanning ports: %w", err)
	}
	used := make(map[int]bool, len(configs))
	for _, c := range configs {
		used[c.ListenPort] = true
	}
	for p := PortMin; p < PortMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("port pool: %w", domain.ErrResourceExhausted)
}

// subnetOctet extracts N from "10.N.0.1/24".
func subnetOctet(serverIP string) (int, bool) {
	ip, _, err := net.ParseCIDR(serverIP)
	if err != nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return int(v4[1]), true
}

// hostOctet extracts H from "10.N.0.H/32".
func hostOctet(allowedIPs string) (int, bool) {
	ip, _, err := net.ParseCIDR(allowedIPs)
	if err != nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return int(v4[3]), true
}

// subnetBase returns "10.N.0" from "10.N.0.1/24".
func subnetBase(serverIP string) (string, bool) {
	ip, _, err := net.ParseCIDR(serverIP)
	if err != nil {
		return "", false
	}
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2]), true
}
