package wireguard

import (
	"fmt"
	"time"

	"github.com/pion/stun/v2"
)

// DiscoverPublicAddress asks a STUN server for this host's reflexive
// address. The result is what joining clients are told to use as the
// tunnel endpoint host; rooms still work without it when the server's
// address is configured statically.
func DiscoverPublicAddress(stunServer string) (string, error) {
	client, err := stun.Dial("udp4", stunServer)
	if err != nil {
		return "", fmt.Errorf("failed to reach STUN server %s: %w", stunServer, err)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var addr string
	var cbErr error
	done := make(chan struct{})
	err = client.Start(message, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			cbErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			cbErr = fmt.Errorf("failed to get XOR-Mapped-Address: %w", err)
			return
		}
		addr = xorAddr.IP.String()
	})
	if err != nil {
		return "", fmt.Errorf("STUN binding request failed: %w", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		return "", fmt.Errorf("STUN response timed out")
	}
	if cbErr != nil {
		return "", cbErr
	}
	return addr, nil
}
