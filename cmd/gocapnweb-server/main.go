// Command gocapnweb-server runs a small demo service exposing a bootstrap
// capability over HTTP batch and WebSocket RPC endpoints, showing off
// property access, returning a nested capability, and promise pipelining
// via .map().
package main

import (
	"context"
	"log"
	"os"

	"github.com/gocapnweb"
)

// greeterTarget exposes "hello" and a nested "room" capability.
type greeterTarget struct {
	*gocapnweb.BaseRpcTarget
}

func newGreeterTarget() *greeterTarget {
	g := &greeterTarget{BaseRpcTarget: gocapnweb.NewBaseRpcTarget()}

	g.Method("hello", func(ctx context.Context, args *gocapnweb.RpcPayload) (*gocapnweb.RpcPayload, error) {
		name := "World"
		if args != nil {
			if arr, ok := args.Value.([]any); ok && len(arr) > 0 {
				if s, ok := arr[0].(string); ok {
					name = s
				}
			}
		}
		return gocapnweb.NewOwnedPayload("Hello, " + name + "!"), nil
	})

	g.Method("roster", func(ctx context.Context, args *gocapnweb.RpcPayload) (*gocapnweb.RpcPayload, error) {
		return gocapnweb.NewOwnedPayload([]any{
			map[string]any{"name": "Ada"},
			map[string]any{"name": "Grace"},
			map[string]any{"name": "Katherine"},
		}), nil
	})

	g.Property("room", gocapnweb.NewRpcStub(gocapnweb.NewTargetStubHook(newRoomTarget())))

	return g
}

// roomTarget is a nested capability reachable as greeter.room, demonstrating
// that a capability's property can itself be a live capability rather than
// plain data.
type roomTarget struct {
	*gocapnweb.BaseRpcTarget
}

func newRoomTarget() *roomTarget {
	r := &roomTarget{BaseRpcTarget: gocapnweb.NewBaseRpcTarget()}
	r.Method("occupants", func(ctx context.Context, args *gocapnweb.RpcPayload) (*gocapnweb.RpcPayload, error) {
		return gocapnweb.NewOwnedPayload(int64(3)), nil
	})
	return r
}

func main() {
	staticPath := "/static"
	if len(os.Args) >= 2 {
		staticPath = os.Args[1]
	}
	port := ":8000"

	e := gocapnweb.SetupEchoServer()

	gocapnweb.SetupRpcEndpoint(e, "/api", newGreeterTarget(), gocapnweb.SessionOptions{})
	gocapnweb.SetupFileEndpoint(e, "/static", staticPath)

	log.Printf("gocapnweb demo server starting on port %s", port)
	log.Printf("static files served from: %s", staticPath)
	log.Printf("rpc endpoint: http://localhost%s/api (batch), ws://localhost%s/api (streaming)", port, port)
	log.Println()
	log.Println("try it:")
	log.Printf(`  curl -X POST http://localhost%s/api -d '["push",["pipeline",0,["hello"],["World"]]]
["pull",1]'`, port)

	if err := e.Start(port); err != nil {
		log.Fatal("failed to start server: ", err)
	}
}
