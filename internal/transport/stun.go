package transport

import (
	"fmt"

	"github.com/pion/stun"
)

// PublicAddr asks a STUN server for the address this node's UDP traffic
// appears from. The result is what gets registered on the signaling
// directory so peers behind other NATs can dial back.
func PublicAddr(server string) (string, error) {
	client, err := stun.Dial("udp", server)
	if err != nil {
		return "", fmt.Errorf("dial stun server %s: %w", server, err)
	}
	defer client.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var (
		xorAddr stun.XORMappedAddress
		reqErr  error
	)
	if err := client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			reqErr = res.Error
			return
		}
		reqErr = xorAddr.GetFrom(res.Message)
	}); err != nil {
		return "", fmt.Errorf("stun binding request: %w", err)
	}
	if reqErr != nil {
		return "", fmt.Errorf("stun binding response: %w", reqErr)
	}
	return fmt.Sprintf("%s:%d", xorAddr.IP, xorAddr.Port), nil
}
