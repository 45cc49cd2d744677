/*
Package flow loads flow definitions and hosts their command nodes.

A flow definition is a YAML document that names credentials entries and the nodes using them:

	credentials:
	  home:
	    email: owner@example.com
	    password: hunter2
	    region: eu
	    app_id: my-app-id
	    app_secret: my-app-secret
	nodes:
	  - name: living-room
	    credentials: home
	    device_id: "1000abcdef"
	  - name: any-device
	    credentials: home
	    timeout: 10s

A [Runtime] plays the part of the flow host. It owns the session cache, delivers messages to
nodes, and forwards whatever they produce to a [Sink].
*/
package flow
