// Package httpserver serves a veil client over HTTP.
//
// BaseServer carries the process-level endpoints every deployment needs:
//
//   - Liveness Check: /livez answers while the process runs
//   - Readiness Check: /readyz, which also consults an optional readiness hook
//   - Drain Control: /drain and /undrain for load balancer rotation
//   - Profiling: pprof under /debug when enabled
//
// AuctionHandler registers the auction routes: auctions and their views, bids,
// per-user reads, the lifecycle operations, the event ledger and the
// notification feed, which is also available as a server-sent event stream.
//
// # Usage Example
//
//	client, _ := veilclient.NewClient(ctx, endpoint, veilclient.WithPrivateKey(key), veilclient.WithContractAddress(addr))
//	srv, _ := httpserver.New(&httpserver.HTTPServerConfig{ListenAddr: ":8080"}, httpserver.NewAuctionHandler(client, nil))
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
