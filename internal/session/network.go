package session

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/netconfig"
	"pkt.systems/chainspace/internal/swarm"
)

// networkState is the process-wide view of configurations made during this
// run, remembered or not.
type networkState struct {
	mu      sync.Mutex
	configs map[string]api.NetworkConfiguration
}

func newNetworkState() *networkState {
	return &networkState{configs: make(map[string]api.NetworkConfiguration)}
}

func (n *networkState) set(cfg api.NetworkConfiguration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := hex.EncodeToString(cfg.DiscoveryKey)
	if !cfg.Announce && !cfg.Lookup {
		delete(n.configs, id)
		return
	}
	n.configs[id] = cfg
}

func (n *networkState) get(dkey []byte) (api.NetworkConfiguration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cfg, ok := n.configs[hex.EncodeToString(dkey)]
	return cfg, ok
}

func (n *networkState) all() map[string]api.NetworkConfiguration {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]api.NetworkConfiguration, len(n.configs))
	for id, cfg := range n.configs {
		out[id] = cfg
	}
	return out
}

// NetworkService configures swarm participation for one session.
type NetworkService struct {
	net        swarm.Networker
	store      netconfig.Store
	state      *networkState
	noAnnounce bool
	logger     pslog.Logger
}

// Configure joins or leaves the topic of req.DiscoveryKey and, when
// Remember is set, persists the choice.
func (n *NetworkService) Configure(ctx context.Context, req api.ConfigureRequest) (api.Empty, error) {
	if len(req.DiscoveryKey) == 0 {
		return api.Empty{}, failure(ErrInvalidArgument, "discovery key required")
	}
	cfg := req.NetworkConfiguration
	if n.noAnnounce && cfg.Announce {
		n.logger.Debug("session.network.announce_suppressed", "discovery_key", hex.EncodeToString(cfg.DiscoveryKey))
		cfg.Announce = false
	}
	if cfg.Remember {
		var err error
		if cfg.Announce || cfg.Lookup {
			err = n.store.Put(ctx, netconfig.Record{DiscoveryKey: cfg.DiscoveryKey, Announce: cfg.Announce, Lookup: cfg.Lookup})
		} else {
			err = n.store.Delete(ctx, cfg.DiscoveryKey)
		}
		if err != nil {
			return api.Empty{}, err
		}
	}
	n.state.set(cfg)
	err := n.net.Configure(ctx, cfg.DiscoveryKey, swarm.ConfigureOptions{
		Announce: cfg.Announce,
		Lookup:   cfg.Lookup,
		Remember: cfg.Remember,
		Flush:    req.Flush,
	})
	if err != nil {
		return api.Empty{}, err
	}
	return api.Empty{}, nil
}

// GetConfiguration returns the live configuration for a discovery key,
// falling back to the remembered one.
func (n *NetworkService) GetConfiguration(ctx context.Context, req api.GetConfigurationRequest) (api.GetConfigurationResponse, error) {
	if cfg, ok := n.state.get(req.DiscoveryKey); ok {
		return api.GetConfigurationResponse{Configuration: &cfg}, nil
	}
	rec, ok, err := n.store.Get(ctx, req.DiscoveryKey)
	if err != nil {
		return api.GetConfigurationResponse{}, err
	}
	if !ok {
		return api.GetConfigurationResponse{}, nil
	}
	cfg := fromRecord(rec)
	return api.GetConfigurationResponse{Configuration: &cfg}, nil
}

// GetAllConfigurations merges persisted records with this run's changes,
// ordered by discovery key.
func (n *NetworkService) GetAllConfigurations(ctx context.Context, _ api.Empty) (api.GetAllConfigurationsResponse, error) {
	records, err := n.store.List(ctx)
	if err != nil {
		return api.GetAllConfigurationsResponse{}, err
	}
	merged := n.state.all()
	for _, rec := range records {
		if _, ok := merged[rec.ID()]; !ok {
			merged[rec.ID()] = fromRecord(rec)
		}
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]api.NetworkConfiguration, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id])
	}
	return api.GetAllConfigurationsResponse{Configurations: out}, nil
}

func fromRecord(rec netconfig.Record) api.NetworkConfiguration {
	return api.NetworkConfiguration{
		DiscoveryKey: rec.DiscoveryKey,
		Announce:     rec.Announce,
		Lookup:       rec.Lookup,
		Remember:     true,
	}
}
