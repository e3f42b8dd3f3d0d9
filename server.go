package gocapnweb

import (
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRpcEndpoint wires both a WebSocket and an HTTP-batch endpoint at
// path onto e, each backed by its own Session around mainTarget. A fresh
// session per connection (WS) or per request (HTTP batch) matches the
// teacher's own per-connection SessionData lifecycle.
func SetupRpcEndpoint(e *echo.Echo, path string, mainTarget RpcTarget, options SessionOptions) {
	e.GET(path, func(c echo.Context) error {
		conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("rpc websocket upgrade error: %v", err)
			return err
		}
		defer conn.Close()

		transport := &WebSocketTransport{conn: conn}
		session := NewSession(mainTarget, options)
		transport.AttachSession(session)

		// Block until the connection drops; the transport's own read loop
		// does the actual message handling.
		transport.readLoop()
		return nil
	})

	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "application/x-ndjson")
		defer c.Request().Body.Close()

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			log.Printf("rpc http read error: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error reading request body")
		}

		messages, err := ParseBatch(body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		session := NewSession(mainTarget, options)
		responses := session.HandleBatch(c.Request().Context(), messages)
		responseBody, err := SerializeBatch(responses)
		if err != nil {
			log.Printf("rpc http serialize error: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error serializing response")
		}
		return c.Blob(http.StatusOK, "application/x-ndjson", responseBody)
	})
}

// SetupEchoServer creates and configures an Echo server with common
// middleware, matching the teacher's baseline setup.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.HideBanner = true

	return e
}
