// Package server hosts the Fiber HTTP service and its middleware chain. It
// bootstraps Fiber with panic recovery and request-id middleware, hands every
// request outside /-/ to an injected ProxyHandler, and builds the shared
// upstream http.Client (optionally through an outbound proxy). Diagnostics
// routes live in the routes subpackage; keep exports narrow and accept
// explicit dependencies.
package server
