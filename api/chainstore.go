package api

// Peer describes a remote replica.
type Peer struct {
	RemotePublicKey []byte `json:"remotePublicKey,omitempty"`
	RemoteAddress   string `json:"remoteAddress,omitempty"`
	RemoteType      string `json:"remoteType,omitempty"`
}

// OpenRequest binds the session-local chain ID to a chain. Key selects a
// chain by public key, Name by local name; with neither a new writable chain
// is created.
type OpenRequest struct {
	ID   uint64 `json:"id"`
	Key  []byte `json:"key,omitempty"`
	Name string `json:"name,omitempty"`
	// Weak handles do not keep the chain pinned in the store cache and get
	// an onClose notification when the store evicts it.
	Weak bool `json:"weak,omitempty"`
}

// OpenResponse describes the opened chain.
type OpenResponse struct {
	Key          []byte `json:"key"`
	DiscoveryKey []byte `json:"discoveryKey"`
	Length       uint64 `json:"length"`
	ByteLength   uint64 `json:"byteLength"`
	Writable     bool   `json:"writable"`
	// Peers lists peers whose side of the handshake completed.
	Peers []Peer `json:"peers"`
}

// FeedEvent announces a chain the store opened.
type FeedEvent struct {
	Key []byte `json:"key"`
}
