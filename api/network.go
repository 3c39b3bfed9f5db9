package api

// NetworkConfiguration controls swarm participation for one discovery key.
type NetworkConfiguration struct {
	DiscoveryKey []byte `json:"discoveryKey"`
	Announce     bool   `json:"announce"`
	Lookup       bool   `json:"lookup"`
	// Remember persists the configuration so the daemon rejoins after a
	// restart.
	Remember bool `json:"remember,omitempty"`
}

type ConfigureRequest struct {
	NetworkConfiguration
	// Flush waits until the swarm flushed the join before returning.
	Flush bool `json:"flush,omitempty"`
}

type GetConfigurationRequest struct {
	DiscoveryKey []byte `json:"discoveryKey"`
}

type GetConfigurationResponse struct {
	Configuration *NetworkConfiguration `json:"configuration,omitempty"`
}

type GetAllConfigurationsResponse struct {
	Configurations []NetworkConfiguration `json:"configurations"`
}
