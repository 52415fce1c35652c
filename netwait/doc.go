// Package netwait provides coroutine-aware replacements for poll(2) and
// select(2).
//
// A coroutine calling [Poll] or [Select] is suspended, rather than blocking
// its thread, and resumed by the reactor once any descriptor is ready or the
// timeout elapses. Results use the system call conventions, so existing
// descriptor-driven code can be ported with little change.
//
// Regular files are always ready. Where the reactor cannot watch them (epoll
// refuses them), they are reported immediately without registering.
package netwait
