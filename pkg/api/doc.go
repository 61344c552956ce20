// Package api is the coordinator's control API (component G): a
// stateless go-chi HTTP front end that header-checks worker/callback
// routes, decodes arguments, delegates to the task manager, registry,
// store and ingestor, and replies with the protocol response
// envelope. It also serves the executor's own HTTP surface
// (/update_factor, /update_tick_data and friends) via a second router
// built from the same building blocks.
package api
