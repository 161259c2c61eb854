package providers

import (
	"fmt"
	"net"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/transport"
	"github.com/orchestra-mcp/rpc/src/types"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RegisterRoutes registers the info routes via Fiber.
// The web socket upgrade uses FastHTTPHandler, registered
// at the server level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (h *Host) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", h.handleInfo)
	group.Get("/ws/clients", h.handleClients)
}

func (h *Host) handleInfo(c fiber.Ctx) error {
	specs := h.contract.Specs()
	events := make([]string, 0, len(specs))
	for _, s := range specs {
		events = append(events, s.Name)
	}
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   h.hub.ClientCount(),
		"groups":    h.hub.Groups(),
		"events":    events,
	})
}

func (h *Host) handleClients(c fiber.Ctx) error {
	clients := make([]types.ClientInfo, 0, h.hub.ClientCount())
	for _, id := range h.hub.ConnectedClients() {
		if info := h.hub.ClientInfo(id); info != nil {
			clients = append(clients, *info)
		}
	}
	return c.JSON(clients)
}

// FastHTTPHandler returns a raw fasthttp handler for web socket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (h *Host) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			b, err := transport.WebSocket(conn, bridge.RoleServer, h.contract, h.transportOptions())
			if err != nil {
				h.logger.Error().Err(err).Msg("websocket bind failed")
				return
			}
			if _, err := h.Adopt(b, "websocket", h.setup); err != nil {
				return
			}
			// The connection is released when the handler returns.
			<-b.Done()
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// HTTPHandler routes "/ws" to the upgrade handler, "/metrics" to the
// prometheus registry and everything else to the fiber routes.
func (h *Host) HTTPHandler() fasthttp.RequestHandler {
	app := fiber.New()
	h.RegisterRoutes(app)
	api := app.Handler()
	ws := h.FastHTTPHandler()
	prom := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			ws(ctx)
		case "/metrics":
			prom(ctx)
		default:
			api(ctx)
		}
	}
}

func (h *Host) serveHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen websocket %s: %w", addr, err)
	}
	srv := &fasthttp.Server{Handler: h.HTTPHandler(), Logger: fasthttpLogger{h}}
	h.setAddr("websocket", ln.Addr())
	h.resources.Register("http server", srv.Shutdown)
	go func() {
		if err := srv.Serve(ln); err != nil {
			h.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

type fasthttpLogger struct{ h *Host }

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.h.logger.Debug().Msgf(format, args...)
}
