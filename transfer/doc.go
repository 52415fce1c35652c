// Package transfer adapts a multiplexed, callback-driven transfer engine (in
// the style of libcurl's multi socket interface) onto the async scheduler.
//
// The engine tells the adapter which sockets to watch, and when to call it
// back, via the hooks installed with [Engine.SetSocketFunc] and
// [Engine.SetTimerFunc]. Each watched socket becomes an [async.PollEvent],
// and the engine's timeout a single [async.TimerEvent]. Readiness and expiry
// drive the engine with [Engine.SocketAction].
//
// [Channel] runs one transfer per call to Perform, suspending the calling
// coroutine until the engine reports it complete. [Multi] exposes the
// drive-once and wait-for-activity halves of a multi interface, for callers
// that manage the engine's transfers themselves.
package transfer
