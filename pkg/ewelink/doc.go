/*
Package ewelink is a minimal client for the eWeLink cloud API.

A [Client] authenticates an account described by [Credentials] and returns a [Session]. Sessions
are safe for concurrent use and are intended to be shared; see the connection package for a cache
that ensures each distinct set of credentials is authenticated only once.

	client := ewelink.NewClient("my-app/1.0")
	session, err := client.Connect(ctx, creds)
	if err != nil {
		return err
	}
	state, err := session.GetCurrentState(ctx, "1000abcdef")

Errors returned by the client can be classified using the protocol package (for example,
[protocol.IsAuthError] or [protocol.Temporary]).
*/
package ewelink
