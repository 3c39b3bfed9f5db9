// Package chainspace is the daemon that lets many client connections share a
// set of append-only logs ("chains") replicated with remote peers. One
// process owns the chain store and the swarm; clients reach it over a
// WebSocket carrying JSON frames (see package api) and get a session each.
//
// # Running a server
//
// The RPC endpoint listens on `Config.ListenProto` (default `tcp`) at
// `Config.Listen` (default 127.0.0.1:49736). Remembered network
// configurations are kept in `<Storage>/network.yaml` unless
// `Config.MemoryOnly` is set.
//
//	cfg := chainspace.Config{MemoryOnly: true, Listen: "127.0.0.1:0"}
//	srv, stop, err := chainspace.StartServer(ctx, cfg, chainspace.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// `Server.Run` blocks instead and returns once ctx ends or a client calls
// `chainspace.stop`.
//
// # Sessions
//
// Every connection owns its chain handles and resources (pending reads,
// downloads, extensions, locks, event listeners). Chain and resource
// identifiers are picked by the client. Disconnecting releases everything
// the session held: pins on the store cache, exclusive locks and pending
// calls, which fail with code `cancelled`.
//
// Reads and updates that may only proceed when the network can answer
// (`ifAvailable`) wait for the swarm to flush a join, or for the first peer
// to arrive, before they give up.
//
// # Talking to the daemon
//
//	c, err := rpc.Dial(ctx, "127.0.0.1:49736", rpc.ClientOptions{})
//	var st api.StatusResponse
//	err = c.Call(ctx, api.MethodStatus, nil, &st)
//
// The internal/rpc client is what `chainspaced status` uses.
package chainspace
