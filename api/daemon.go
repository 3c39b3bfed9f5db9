package api

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Version       string `json:"version"`
	APIVersion    string `json:"apiVersion"`
	NodeID        string `json:"nodeId,omitempty"`
	Holepunchable bool   `json:"holepunchable"`
	RemoteAddress string `json:"remoteAddress"`
	Sessions      int    `json:"sessions"`
	Chains        int    `json:"chains"`
}

// APIVersion is the wire protocol version reported by status.
const APIVersion = "1.0.0"
