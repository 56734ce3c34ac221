package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"lanlobby/domain"
	"lanlobby/ipmanager"
	"lanlobby/models"
)

// Provisioner turns allocation decisions into running (or torn-down)
// tunnels. Its job is keeping the external tool and the database consistent
// even when the tool fails halfway: any failure while bringing state up is
// rolled back fully, while failures while tearing state down are reported
// but never block the caller.
type Provisioner struct {
	db        *gorm.DB
	alloc     *ipmanager.Allocator
	tool      Tool
	genKeys   ipmanager.KeyGenFunc
	configDir string
	timeout   time.Duration
	log       *zap.Logger
}

func NewProvisioner(db *gorm.DB, alloc *ipmanager.Allocator, tool Tool, configDir string, timeout time.Duration, log *zap.Logger) *Provisioner {
	return &Provisioner{
		db:        db,
		alloc:     alloc,
		tool:      tool,
		genKeys:   GenerateKeypair,
		configDir: configDir,
		timeout:   timeout,
		log:       log,
	}
}

// ProvisionNetwork acquires a network config (reusing a freed one when
// possible), materializes its interface artifact, and brings the tunnel up.
// On tool failure nothing survives: a freshly minted config loses its row
// and artifact, a reused one is returned to the free pool.
func (p *Provisioner) ProvisionNetwork(ctx context.Context) (*models.NetworkConfig, error) {
	cfg, reused, err := p.alloc.AcquireConfig(p.genKeys)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}

	path := p.configPath(cfg.NetworkName)
	if !reused {
		if err := p.writeConfigArtifact(path, cfg); err != nil {
			p.db.Delete(&models.NetworkConfig{}, cfg.ID)
			return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.tool.BringUp(toolCtx, path); err != nil {
		p.log.Error("bring-up failed, rolling back network config",
			zap.Uint("config_id", cfg.ID),
			zap.String("network", cfg.NetworkName),
			zap.Bool("reused", reused),
			zap.Error(err))
		if reused {
			p.db.Model(cfg).Update("is_active", false)
		} else {
			os.Remove(path)
			p.db.Delete(&models.NetworkConfig{}, cfg.ID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}

	p.log.Info("network provisioned",
		zap.Uint("config_id", cfg.ID),
		zap.String("network", cfg.NetworkName),
		zap.String("server_ip", cfg.ServerIP),
		zap.Int("port", cfg.ListenPort),
		zap.Bool("reused", reused))
	return cfg, nil
}

// AddPeer allocates an address for the user inside the config's subnet,
// persists the peer row, and registers the peer on the running interface.
// A tool failure removes the row again; there is never a peer record
// without a live registration.
func (p *Provisioner) AddPeer(ctx context.Context, cfg *models.NetworkConfig, username, publicKey string) (*models.NetworkPeer, error) {
	addr, err := p.alloc.AllocatePeerAddress(cfg)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPeerRegistrationFailed, err)
	}

	peer := &models.NetworkPeer{
		NetworkConfigID: cfg.ID,
		Username:        username,
		PublicKey:       publicKey,
		AllowedIPs:      addr,
	}
	if err := p.db.Create(peer).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPeerRegistrationFailed, err)
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.tool.RegisterPeer(toolCtx, cfg.NetworkName, publicKey, addr); err != nil {
		p.db.Delete(&models.NetworkPeer{}, peer.ID)
		p.log.Error("peer registration failed, rolled back peer row",
			zap.Uint("config_id", cfg.ID),
			zap.String("network", cfg.NetworkName),
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrPeerRegistrationFailed, err)
	}
	return peer, nil
}

// RemovePeer deregisters the user's peer and deletes its row. Removing a
// peer that was never registered is a no-op success, which makes retries
// after partial failures safe. A deregistration error is returned for
// logging but the row is deleted regardless; the interface is reconciled
// when the network is released.
func (p *Provisioner) RemovePeer(ctx context.Context, cfg *models.NetworkConfig, username string) error {
	var peer models.NetworkPeer
	err := p.db.Where("network_config_id = ? AND username = ?", cfg.ID, username).First(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up peer %s on config %d: %w", username, cfg.ID, err)
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	toolErr := p.tool.DeregisterPeer(toolCtx, cfg.NetworkName, peer.PublicKey)

	if err := p.db.Delete(&models.NetworkPeer{}, peer.ID).Error; err != nil {
		return fmt.Errorf("deleting peer row %d: %w", peer.ID, err)
	}
	if toolErr != nil {
		return fmt.Errorf("deregistering peer %s on %s: %w", username, cfg.NetworkName, toolErr)
	}
	return nil
}

// ReleaseNetwork brings the interface down and returns the config to the
// free pool for reuse. The row and its artifact survive so the next room
// skips key generation and subnet/port allocation entirely. Leftover peer
// rows are wiped so a reused config starts with a clean address space.
func (p *Provisioner) ReleaseNetwork(ctx context.Context, cfg *models.NetworkConfig) error {
	toolCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	toolErr := p.tool.BringDown(toolCtx, p.configPath(cfg.NetworkName))

	if err := p.db.Where("network_config_id = ?", cfg.ID).Delete(&models.NetworkPeer{}).Error; err != nil {
		return fmt.Errorf("clearing peers for config %d: %w", cfg.ID, err)
	}
	if err := p.db.Model(cfg).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("releasing config %d: %w", cfg.ID, err)
	}
	if toolErr != nil {
		return fmt.Errorf("bringing down %s: %w", cfg.NetworkName, toolErr)
	}
	return nil
}

// DeleteNetwork tears the config down permanently: interface down
// (best-effort), artifact removed, row deleted. Administrative cleanup
// only; the normal empty-room path releases instead.
func (p *Provisioner) DeleteNetwork(ctx context.Context, cfg *models.NetworkConfig) error {
	path := p.configPath(cfg.NetworkName)

	toolCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.tool.BringDown(toolCtx, path); err != nil {
		p.log.Warn("bring-down during delete failed",
			zap.String("network", cfg.NetworkName), zap.Error(err))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn("could not remove config artifact",
			zap.String("path", path), zap.Error(err))
	}
	if err := p.db.Where("network_config_id = ?", cfg.ID).Delete(&models.NetworkPeer{}).Error; err != nil {
		return fmt.Errorf("deleting peers for config %d: %w", cfg.ID, err)
	}
	if err := p.db.Delete(&models.NetworkConfig{}, cfg.ID).Error; err != nil {
		return fmt.Errorf("deleting config %d: %w", cfg.ID, err)
	}
	return nil
}

func (p *Provisioner) configPath(networkName string) string {
	return filepath.Join(p.configDir, networkName+".conf")
}

func (p *Provisioner) writeConfigArtifact(path string, cfg *models.NetworkConfig) error {
	if err := os.MkdirAll(p.configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir %s: %w", p.configDir, err)
	}
	content := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s
ListenPort = %d
SaveConfig = true
`, cfg.PrivateKey, cfg.ServerIP, cfg.ListenPort)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
