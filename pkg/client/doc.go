// Package client is the invoke adaptor: the in-process library an
// application embeds to create instances, call them, and consume the
// results the cluster pushes back.
//
// # Request flow
//
// Submission RPCs return as soon as the control plane admits the
// request; the outcome arrives later as a result frame on the
// client's push stream. Each submission hands back a Pending that
// resolves exactly once:
//
//	p, _ := cli.Invoke(ctx, id, "transform", args, client.InvokeOptions{})
//	res, err := p.Wait(ctx)
//	payloads, _ := cli.Get(ctx, res.ObjectIDs, 5*time.Second)
//
// Calls are retried transparently: transport failures reset the
// connection and resubmit with backoff, a not-leader rejection
// redials the hinted address, and a retryable completion frame
// resubmits the original request under the same request id. Anything
// else settles the Pending with the server's code.
//
// # Objects
//
// Settled return objects are mirrored into a local store so repeated
// reads stay in-process. A lone result rides inline in its frame;
// larger sets are marked remote and fetch through Object.Get on
// first read. Get and Wait serve entirely from the mirror when every
// id is adopted locally and fall back to the cluster otherwise.
//
// The cluster holds one remote reference per return object on this
// client's behalf. Dropping the push stream tells the server the
// client is gone and releases those references, so a reconnect
// restores delivery but not objects already reaped.
//
// # Groups
//
// CreateGroup admits a gang that places all-or-nothing.
// CreateFunctionGroup fans a single spec into TotalSize replicas and,
// with a BundleSize, chains co-location labels so each bundle lands
// together. The group's Pending resolves to a handle object whose
// payload lists the member ids.
//
// Finalize kills every instance the client still owns, fails
// outstanding waiters with Finalized, and closes both connections.
package client
