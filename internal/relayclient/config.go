package relayclient

import (
	"fmt"
	"os"
	"strings"
)

// DefaultConfigFile names the endpoint file a client reads at startup.
const DefaultConfigFile = "FriendLinkIP.cfg"

// ReadEndpoint parses the endpoint file: three whitespace-separated tokens,
// server host, server TCP port, server UDP port.
func ReadEndpoint(filename string) (host, tcpPort, udpPort string, err error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", "", "", fmt.Errorf("could not read endpoint config: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return "", "", "", fmt.Errorf("endpoint config %s needs host, tcp port and udp port", filename)
	}
	return fields[0], fields[1], fields[2], nil
}
