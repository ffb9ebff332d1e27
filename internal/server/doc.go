// Package server hosts the Fiber HTTP service and the request middleware chain
// that sits in front of the cache layer. Every request gets a request ID and
// panic recovery; paths under /-/ are reserved for diagnostics and control
// routes registered by the routes subpackage, everything else is handed to the
// injected ProxyHandler. Keep exports narrow and accept explicit dependencies.
package server
