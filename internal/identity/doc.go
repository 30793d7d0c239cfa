// Package identity resolves which replica this process is.
//
// Resolve runs once at startup and returns an immutable Identity that is
// announced in every welcome message and in the health endpoint, so a client
// talking through a load balancer can tell which instance answered.
package identity
