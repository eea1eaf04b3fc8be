// Package http's routes.go implements SPEC_FULL.md's component M: a thin
// Elysia-equivalent that derives CRUD routes per table, KV routes from the
// workspace's KV helper, and action routes per registered workspace.Client
// action from schema, plus the websocket upgrade endpoint the sync
// protocol's handshake targets (spec.md §6). Grounded on the same
// echo.Echo server built by NewEchoServer in server.go; OpenAPI/MCP
// generation remains out of scope per spec.md §1.
package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Leftium/epicenter-sub001/kvhelper"
	"github.com/Leftium/epicenter-sub001/room"
	"github.com/Leftium/epicenter-sub001/table"
	"github.com/Leftium/epicenter-sub001/workspace"
	"github.com/Leftium/epicenter-sub001/wserr"
)

// Action is the contract a workspace.Client's terminal action map entries
// must satisfy to be reachable over HTTP. Query actions don't mutate
// state; Mutation actions do. Both receive the decoded JSON request body
// (nil if the request had none) and return a JSON-encodable result.
type Action interface {
	Invoke(payload map[string]any) (any, error)
}

// QueryAction and MutationAction let call sites build an Action from a
// plain function without a named type, mirroring the spec's "map of
// action objects (queries and mutations)".
type QueryAction func(payload map[string]any) (any, error)

func (f QueryAction) Invoke(payload map[string]any) (any, error) { return f(payload) }

type MutationAction func(payload map[string]any) (any, error)

func (f MutationAction) Invoke(payload map[string]any) (any, error) { return f(payload) }

// RegisterWorkspace mounts one workspace's CRUD routes (derived from its
// table definitions), KV routes (derived from its KV helper), and action
// routes (derived from client.Actions) under /workspaces/:id on e, plus
// the sync websocket upgrade endpoint backed by roomManager.
func RegisterWorkspace(e *echo.Echo, client *workspace.Client, roomManager *room.Manager, upgrader websocket.Upgrader) {
	group := e.Group("/workspaces/" + client.ID)

	for name, t := range client.Tables {
		registerTableRoutes(group, name, t)
	}

	registerKVRoutes(group, client.KV)

	for name, act := range client.Actions {
		a, ok := act.(Action)
		if !ok {
			continue
		}
		group.POST("/actions/"+name, actionHandler(a))
	}

	group.Any("/sync", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		return roomManager.Accept(c.Request().Context(), conn, client.ID)
	})
}

func registerTableRoutes(g *echo.Group, name string, t *table.Table) {
	base := "/tables/" + name

	g.GET(base, func(c echo.Context) error {
		return c.JSON(http.StatusOK, resultsToJSON(t.GetAllValid()))
	})
	g.GET(base+"/invalid", func(c echo.Context) error {
		return c.JSON(http.StatusOK, resultsToJSON(t.GetAllInvalid()))
	})
	g.GET(base+"/:id", func(c echo.Context) error {
		res := t.Get(c.Param("id"))
		switch res.Status {
		case table.StatusValid:
			return c.JSON(http.StatusOK, res.Row)
		case table.StatusInvalid:
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"issues": res.Issues, "raw": res.Raw})
		default:
			return echo.NewHTTPError(http.StatusNotFound, "row not found")
		}
	})
	g.POST(base, func(c echo.Context) error {
		var row map[string]any
		if err := c.Bind(&row); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		id, _ := row["id"].(string)
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "row id is required")
		}
		if err := t.Upsert(id, row); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusCreated, row)
	})
	g.PATCH(base+"/:id", func(c echo.Context) error {
		var partial map[string]any
		if err := c.Bind(&partial); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := t.Update(c.Param("id"), partial); err != nil {
			return translateWriteError(err)
		}
		return c.JSON(http.StatusOK, t.Get(c.Param("id")).Row)
	})
	g.DELETE(base+"/:id", func(c echo.Context) error {
		if err := t.Delete(c.Param("id")); err != nil {
			return translateWriteError(err)
		}
		return c.NoContent(http.StatusNoContent)
	})
}

func registerKVRoutes(g *echo.Group, kv *kvhelper.Store) {
	base := "/kv/:key"

	g.GET(base, func(c echo.Context) error {
		res := kv.Get(c.Param("key"))
		switch res.Status {
		case kvhelper.StatusValid:
			return c.JSON(http.StatusOK, echo.Map{"key": res.Key, "value": res.Value})
		case kvhelper.StatusInvalid:
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{"key": res.Key, "issues": res.Issues, "raw": res.Raw})
		default:
			return echo.NewHTTPError(http.StatusNotFound, "key not found")
		}
	})
	g.PUT(base, func(c echo.Context) error {
		var body struct {
			Value any `json:"value"`
		}
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := kv.Set(c.Param("key"), body.Value); err != nil {
			return translateWriteError(err)
		}
		return c.NoContent(http.StatusNoContent)
	})
	g.DELETE(base, func(c echo.Context) error {
		if err := kv.Delete(c.Param("key")); err != nil {
			return translateWriteError(err)
		}
		return c.NoContent(http.StatusNoContent)
	})
}

func actionHandler(a Action) echo.HandlerFunc {
	return func(c echo.Context) error {
		var payload map[string]any
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&payload); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
		result, err := a.Invoke(payload)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, result)
	}
}

func translateWriteError(err error) error {
	if errors.Is(err, wserr.ErrNotFoundLocally) || errors.Is(err, wserr.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func resultsToJSON(results []table.Result) []echo.Map {
	out := make([]echo.Map, 0, len(results))
	for _, r := range results {
		switch r.Status {
		case table.StatusValid:
			out = append(out, echo.Map{"status": "valid", "row": r.Row})
		case table.StatusInvalid:
			out = append(out, echo.Map{"status": "invalid", "id": r.ID, "issues": r.Issues, "raw": r.Raw})
		}
	}
	return out
}
