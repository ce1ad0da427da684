// Package rpc turns the broker's one-way publish/consume primitives into a
// request/reply call.
//
// A Client publishes each request to a direct exchange with a fresh
// correlation id and the address of a private reply queue, then waits for the
// matching reply, the caller's context or an optional timeout, whichever
// comes first:
//
//	client := rpc.NewClient(conn, rabbitmq.NewTopologyManager(),
//	    rpc.WithTimeout(30*time.Second),
//	    rpc.WithLogger(logger),
//	)
//	defer client.Close()
//
//	reply, err := client.Call(ctx, `{"orderId":"abc","products":[]}`)
//	switch {
//	case errors.Is(err, rpc.ErrCancelled), errors.Is(err, rpc.ErrTimeout):
//	    // no answer yet
//	case err != nil:
//	    // the broker rejected or lost the request
//	}
//
// The reply queue and its consumer are created on the first call of every
// broker session and shared by all calls on that session. Replies are
// matched to callers by correlation id only, so concurrent calls complete in
// whatever order their replies arrive.
package rpc
