// Package client implements a typed RPC client for a store node. It wraps
// a client transport and translates between wire messages and Go values,
// so callers work with keys, versions and mutations instead of frames.
//
// The package focuses on:
//   - One method per server operation, transactional and raw
//   - Integration with the transport and serialization layers
//   - Converting wire errors into Go errors
//
// Usage Example:
//
//	// Connect
//	cli, _ := client.NewClient(
//	  "localhost:20160",
//	  common.PeerConfig{TimeoutSecond: 5},
//	  tcp.NewTCPClientTransport(),
//	  serializer.NewGOBSerializer(),
//	)
//	defer cli.Close()
//
//	// Write a key transactionally
//	ctx := common.Context{RegionID: 1}
//	cli.Prewrite(ctx, []common.Mutation{
//	  {Op: common.OpPut, Key: []byte("k"), Value: []byte("v")},
//	}, []byte("k"), 10, client.PrewriteOptions{LockTTL: 3000})
//	cli.Commit(ctx, [][]byte{[]byte("k")}, 10, 20)
//
//	// Read it back
//	value, _ := cli.Get(ctx, []byte("k"), 25)
//
// Thread Safety:
//
//	The client is safe for concurrent use; requests are multiplexed over a
//	single connection.
package client
