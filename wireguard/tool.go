package wireguard

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Tool is the control surface of the external VPN machinery. It is fallible,
// possibly slow, and not transactional; the Provisioner supplies the missing
// rollback guarantees on top of it.
type Tool interface {
	BringUp(ctx context.Context, configPath string) error
	BringDown(ctx context.Context, configPath string) error
	RegisterPeer(ctx context.Context, networkName, publicKey, allowedIPs string) error
	DeregisterPeer(ctx context.Context, networkName, publicKey string) error
}

// SystemTool drives the real machinery: wg-quick for interface lifecycle and
// wgctrl for peer changes on the running interface.
type SystemTool struct {
	log *zap.Logger
}

func NewSystemTool(log *zap.Logger) *SystemTool {
	return &SystemTool{log: log}
}

func (t *SystemTool) BringUp(ctx context.Context, configPath string) error {
	return t.runCommand(ctx, "wg-quick", "up", configPath)
}

func (t *SystemTool) BringDown(ctx context.Context, configPath string) error {
	return t.runCommand(ctx, "wg-quick", "down", configPath)
}

func (t *SystemTool) RegisterPeer(ctx context.Context, networkName, publicKey, allowedIPs string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid peer public key: %w", err)
	}
	_, ipNet, err := net.ParseCIDR(allowedIPs)
	if err != nil {
		return fmt.Errorf("invalid allowed ips %q: %w", allowedIPs, err)
	}
	return t.configurePeers(networkName, []wgtypes.PeerConfig{{
		PublicKey:  key,
		AllowedIPs: []net.IPNet{*ipNet},
	}})
}

func (t *SystemTool) DeregisterPeer(ctx context.Context, networkName, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid peer public key: %w", err)
	}
	return t.configurePeers(networkName, []wgtypes.PeerConfig{{
		PublicKey: key,
		Remove:    true,
	}})
}

func (t *SystemTool) configurePeers(networkName string, peers []wgtypes.PeerConfig) error {
	wgClient, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("failed to open wgctrl: %w", err)
	}
	defer wgClient.Close()

	err = wgClient.ConfigureDevice(networkName, wgtypes.Config{
		Peers:        peers,
		ReplacePeers: false,
	})
	if err != nil {
		return fmt.Errorf("failed to configure device %s: %w", networkName, err)
	}
	return nil
}

func (t *SystemTool) runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.log.Error("command failed",
			zap.String("command", name+" "+strings.Join(args, " ")),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return fmt.Errorf("command execution failed: %w", err)
	}
	if stdout.Len() > 0 {
		t.log.Debug("command output",
			zap.String("command", name),
			zap.String("stdout", stdout.String()))
	}
	return nil
}
