/*
Package api holds the wire types and server configuration shared by the
storage HTTP API.

Subpackages:

 1. storageapi - request handling for list/put/get/head/delete and the Go client
 2. servers - HTTP server lifecycle, health endpoints and metrics listener

# Addressing

Every storage request carries a selector in its query string:

	instance=<uuid|any|all>  record=<uuid>  version=<uuid|all>

An empty or missing parameter means "absent". Selectors naming another
instance are answered with a 307 redirect to that instance's base URL.

# Errors

Non-2xx responses carry an ErrorResponse body. Status codes:

  - 400 malformed selector, metadata or combination not valid for the operation
  - 404 record or version does not exist
  - 409 concurrent modification of the same record
  - 410 record is tombstoned
  - 413 payload exceeds the configured limit
  - 503 payload backend unavailable (Retry-After is set)
*/
package api
