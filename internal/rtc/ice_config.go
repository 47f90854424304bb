package rtc

import "github.com/pion/webrtc/v4"

// TURNServer is one TURN server's connection details, typically populated
// from ephemeral REST-API credentials (internal/turn).
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEConfig holds the STUN/TURN server configuration for a Peer. It is not
// present in the RTC layer contract (§6) itself — that contract only
// requires "a peer-connection abstraction" — but every concrete
// implementation needs somewhere to carry server URLs, so it lives
// alongside PeerConfig the way the teacher's ICE config lived alongside its
// own PeerConfig.
type ICEConfig struct {
	// STUNServers is a list of STUN server URLs (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string

	// TURNServers is a list of TURN servers, typically with short-lived
	// credentials minted per call (internal/turn).
	TURNServers []TURNServer

	// ForceRelay restricts ICE to relay candidates only, for testing NAT
	// traversal fallback paths.
	ForceRelay bool
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}

	for _, t := range c.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		})
	}

	return servers
}
