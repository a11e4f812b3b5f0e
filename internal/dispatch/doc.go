// Package dispatch runs work units as Linux processes under the token
// protocol: a slot is obtained before each concurrent job starts, and
// returned exactly once after that job's process has been reaped.
//
// A Job wraps one process. A Runner owns a jobserver.Backend (or none,
// for serial execution), dispatches Jobs against it, routes every
// child-terminated event through the backend's interruption hook, and
// reclaims the token of any child that died without releasing it.
package dispatch
