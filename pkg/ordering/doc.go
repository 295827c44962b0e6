// Package ordering keeps ordered invocations ordered. The Manager
// lives with the submitter: it assigns each instance's monotonic
// sequence numbers and tracks completions, sliding unfinishedSeq (the
// lowest incomplete number) forward as out-of-order completions fill
// in. The Sequencer lives with the deliverer: it blocks hand-off to
// the runtime until every lower sequence number has been delivered.
//
// unfinishedSeq travels on the invoke wire, so after a restart the
// deliverer can raise its floor (SkipTo) past sequences that already
// completed and will never be redelivered. Killing an instance drops
// its state on both sides; late completions never resurrect it.
package ordering
