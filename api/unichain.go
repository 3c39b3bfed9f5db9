package api

// ChainRef addresses an open chain.
type ChainRef struct {
	ID uint64 `json:"id"`
}

// ResourceRef addresses a session resource belonging to a chain.
type ResourceRef struct {
	ID         uint64 `json:"id"`
	ResourceID uint64 `json:"resourceId"`
}

// GetRequest reads one block.
type GetRequest struct {
	ID uint64 `json:"id"`
	// ResourceID names the pending read so it can be cancelled.
	ResourceID uint64 `json:"resourceId"`
	Seq        uint64 `json:"seq"`
	// Wait defaults to true; false fails immediately when the block is
	// not local.
	Wait        *bool `json:"wait,omitempty"`
	IfAvailable bool  `json:"ifAvailable,omitempty"`
	// OnWaitID, when non-zero, requests an onWait notification when the
	// read starts waiting for the network.
	OnWaitID uint64 `json:"onWaitId,omitempty"`
}

// ShouldWait resolves the Wait default.
func (r GetRequest) ShouldWait() bool { return r.Wait == nil || *r.Wait }

type GetResponse struct {
	Block []byte `json:"block"`
}

type AppendRequest struct {
	ID     uint64   `json:"id"`
	Blocks [][]byte `json:"blocks"`
}

type AppendResponse struct {
	Length     uint64 `json:"length"`
	ByteLength uint64 `json:"byteLength"`
	// Seq is the sequence number of the first appended block.
	Seq uint64 `json:"seq"`
}

type UpdateRequest struct {
	ID          uint64 `json:"id"`
	IfAvailable bool   `json:"ifAvailable,omitempty"`
	MinLength   uint64 `json:"minLength,omitempty"`
	Hash        bool   `json:"hash,omitempty"`
}

type UpdateResponse struct {
	Length     uint64 `json:"length"`
	ByteLength uint64 `json:"byteLength"`
}

type SeekRequest struct {
	ID          uint64 `json:"id"`
	ByteOffset  uint64 `json:"byteOffset"`
	Start       uint64 `json:"start,omitempty"`
	End         uint64 `json:"end,omitempty"`
	Wait        *bool  `json:"wait,omitempty"`
	IfAvailable bool   `json:"ifAvailable,omitempty"`
}

// ShouldWait resolves the Wait default.
func (r SeekRequest) ShouldWait() bool { return r.Wait == nil || *r.Wait }

type SeekResponse struct {
	Seq         uint64 `json:"seq"`
	BlockOffset uint64 `json:"blockOffset"`
}

type HasRequest struct {
	ID  uint64 `json:"id"`
	Seq uint64 `json:"seq"`
}

type HasResponse struct {
	Has bool `json:"has"`
}

// DownloadRequest fetches a range; the call returns once the range is local
// or the download was cancelled.
type DownloadRequest struct {
	ID         uint64   `json:"id"`
	ResourceID uint64   `json:"resourceId"`
	Start      uint64   `json:"start,omitempty"`
	End        uint64   `json:"end,omitempty"`
	Blocks     []uint64 `json:"blocks,omitempty"`
	Linear     bool     `json:"linear,omitempty"`
	Live       bool     `json:"live,omitempty"`
}

type RegisterExtensionRequest struct {
	ID         uint64 `json:"id"`
	ResourceID uint64 `json:"resourceId"`
	Name       string `json:"name"`
}

type UnregisterExtensionRequest struct {
	ResourceID uint64 `json:"resourceId"`
}

// SendExtensionRequest broadcasts Data, or sends it only to peers with
// RemotePublicKey when set.
type SendExtensionRequest struct {
	ID              uint64 `json:"id"`
	ResourceID      uint64 `json:"resourceId"`
	RemotePublicKey []byte `json:"remotePublicKey,omitempty"`
	Data            []byte `json:"data"`
}

type DownloadedRequest struct {
	ID    uint64 `json:"id"`
	Start uint64 `json:"start,omitempty"`
	End   uint64 `json:"end,omitempty"`
}

type DownloadedResponse struct {
	Bytes uint64 `json:"bytes"`
}

// Empty is the result of calls with nothing to report.
type Empty struct{}

// Notifications.

type AppendEvent struct {
	ID         uint64 `json:"id"`
	Length     uint64 `json:"length"`
	ByteLength uint64 `json:"byteLength"`
}

type PeerEvent struct {
	ID   uint64 `json:"id"`
	Peer Peer   `json:"peer"`
}

type CloseEvent struct {
	ID uint64 `json:"id"`
}

type WaitEvent struct {
	ID       uint64 `json:"id"`
	OnWaitID uint64 `json:"onWaitId"`
	Seq      uint64 `json:"seq"`
}

type ExtensionEvent struct {
	ID              uint64 `json:"id"`
	ResourceID      uint64 `json:"resourceId"`
	RemotePublicKey []byte `json:"remotePublicKey,omitempty"`
	Data            []byte `json:"data"`
}

// TransferEvent reports a block downloaded or uploaded.
type TransferEvent struct {
	ID         uint64 `json:"id"`
	Seq        uint64 `json:"seq"`
	ByteLength uint64 `json:"byteLength"`
}
