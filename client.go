package gocapnweb

import (
	multierror "github.com/hashicorp/go-multierror"
)

// Client is the application-facing entry point for connecting to an RPC
// endpoint and obtaining its bootstrap capability, grounded on the
// teacher's examples (examples/helloworld/main.go) calling into a thin
// setup helper rather than constructing a session by hand.
type Client struct {
	transport Transport
	session   *Session
}

// Dial connects to endpoint — http(s)://, ws(s)://, or h3:// — and returns
// a Client whose Main stub is ready for pipelined calls immediately,
// before any round trip completes. mainTarget is this side's own
// bootstrap capability, exposed back to the peer; pass nil for clients
// that never need to be called back.
func Dial(endpoint string, mainTarget RpcTarget, options SessionOptions) (*Client, error) {
	transport, err := NewTransport(endpoint)
	if err != nil {
		return nil, err
	}
	session := NewClientSession(transport, mainTarget, options)
	return &Client{transport: transport, session: session}, nil
}

// Main returns a stub for the peer's bootstrap capability.
func (c *Client) Main() *RpcStub { return c.session.MainImport() }

// Session exposes the underlying session for advanced use (pulling
// resume tokens, issuing a PipelineBatch directly).
func (c *Client) Session() *Session { return c.session }

// NewBatch starts a new explicit pipelining batch against this client's
// session.
func (c *Client) NewBatch() *PipelineBatch { return NewPipelineBatch(c.session) }

// Close clears the session's export and import tables (disposing their
// hooks) and closes the transport, returning the transport's close error,
// if any, as a multierror.
func (c *Client) Close() error {
	var result *multierror.Error
	c.session.exports.Clear()
	c.session.imports.Clear()
	if err := c.transport.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
