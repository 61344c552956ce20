// Package client is the thin HTTP caller shared by the executor (worker
// registration, heartbeats, result/finish callbacks against the
// coordinator) and factorialctl (operator commands against the control
// API). It speaks the same form-encoded/multipart wire protocol
// pkg/api and pkg/protocol define, just from the calling side.
package client
