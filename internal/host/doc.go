// Package host plays the role the browser runtime plays for a service worker.
// It owns worker versions and their lifecycle states, drives install (with
// retry and exponential backoff) and activate, honours skip-waiting and keeps
// track of the controller: the version that currently answers intercepted
// requests. The controller only changes when a version claims clients.
package host
