// Package jobserver implements the shared token pool that bounds how
// many jobs a tree of cooperating processes runs concurrently.
//
// A Backend holds N-1 byte tokens for a slot budget of N; the process
// that created the pool implicitly owns the remaining slot. Tokens are
// transferred between processes with single-byte reads and writes,
// which the kernel makes atomic, so no locking is needed around the
// pool itself.
//
// Two backend styles exist: an anonymous pipe whose descriptors are
// inherited by cooperating children, and a named FIFO opened by path.
// Either one serializes to an auth string that a cooperating child
// turns back into a working Backend with Decode.
package jobserver
