/*
Package proxy implements a REST API for invoking command nodes over HTTP.

Endpoints:

	GET  /api/1/nodes               List node names.
	POST /api/1/nodes/{name}/input  Deliver a JSON message to a node and wait for the result.
	GET  /metrics                   Prometheus metrics.

A successful input request returns 200 with the outbound message, or 204 if the node produced
no output because no device id was available.
*/
package proxy
