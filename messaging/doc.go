// Package messaging carries JSON envelopes between services over RabbitMQ.
//
// Two channels share one managed broker connection:
//   - EventChannel: fire-and-forget events routed through a durable direct
//     exchange into each service's durable quorum queue, acknowledged only
//     after the handler succeeds
//   - RPCClient / RPCServer: request/response calls with a per-call exclusive
//     reply queue, correlation ids and a caller-side timeout
//
// Consumers are supervised: after the connection is lost they wait for it to
// come back, re-declare their topology and resume consuming.
//
// Example usage:
//
//	events, err := messaging.NewEventChannel(conn,
//		messaging.WithExchange("resume_exchange"),
//		messaging.WithServiceQueue("resume_queue"))
//	if err != nil {
//		return err
//	}
//
//	env, _ := messaging.NewEnvelope("RESUME_UPLOADED", map[string]string{"resumeId": "r-1"})
//	err = events.Publish(ctx, "RESUME_SERVICE", env)
//
//	client := messaging.NewRPCClient(conn)
//	reply, err := client.Request(ctx, "USER_RPC", req, 5*time.Second)
package messaging
