// Package testutil provides helpers shared by the bus tests.
//
// Recorder is a bus.MessageListener that records what it receives and can
// answer every message (NewEcho). MockPeer is an in-memory PeerContext.
// Certs generates a throwaway CA with server and client certificates on disk,
// including an encrypted key, for TLS tests. Payload, Sequence and FreePort
// produce test data and listen addresses.
//
// Example:
//
//	echo := testutil.NewEcho()
//	resp, err := factory.Responder(uri, echo)
//	require.NoError(t, err)
//	defer resp.Close()
//
//	reply, err := req.SendRequest(ctx, testutil.Payload("a", 3000))
package testutil
