// Package netinfo discovers the addresses advertised in session
// responses: the host's primary interface IP and, when running on EC2,
// the instance's public IP.
package netinfo

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	metadataBase     = "http://169.254.169.254"
	metadataTokenTTL = "21600"
	metadataTimeout  = 2 * time.Second
)

// MachineIP returns the primary outbound interface address. The UDP
// dial never sends a packet; it only asks the kernel which source
// address it would pick.
func MachineIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn().Err(err).Msg("Could not determine machine IP, falling back to 127.0.0.1")
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// PublicIP queries the EC2 instance metadata service (IMDSv2) for the
// public IPv4 address. Returns MachineIP() when the metadata service is
// unreachable, which is the normal case off EC2.
func PublicIP(ctx context.Context) string {
	client := &http.Client{Timeout: metadataTimeout}

	token, err := imdsToken(ctx, client)
	if err != nil {
		log.Debug().Err(err).Msg("Instance metadata unavailable, using machine IP")
		return MachineIP()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		metadataBase+"/latest/meta-data/public-ipv4", nil)
	if err != nil {
		return MachineIP()
	}
	req.Header.Set("X-aws-ec2-metadata-token", token)

	resp, err := client.Do(req)
	if err != nil {
		return MachineIP()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return MachineIP()
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return MachineIP()
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return MachineIP()
	}
	return ip
}

func imdsToken(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		metadataBase+"/latest/api/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", metadataTokenTTL)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
