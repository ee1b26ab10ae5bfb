package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/catalog"
	"github.com/ericbjones/clean-invaders/domain"
)

const commandMaxSize = 64 << 10

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is empty")
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	if deps.Log == nil {
		deps.Log = log.StandardLogger()
	}
	e.JSONSerializer = sonicSerializer{}

	e.GET("/api/get_progress", getProgress(deps.Store, deps.Log))
	e.POST("/api/update_progress", updateProgress(deps.Store, deps.Notifier, deps.Log))
	e.POST("/api/update_assignment", updateAssignment(deps.Store, deps.Notifier, deps.Log))
	e.POST("/api/toggle_room_hidden", toggleRoomHidden(deps.Store, deps.Notifier, deps.Log))
	e.POST("/api/reset_room", resetRoom(deps.Store, deps.Notifier, deps.Log))
	e.POST("/api/reset_tasks", resetTasks(deps.Store, deps.Catalogs, deps.Notifier, deps.Log))
	e.POST("/api/reset_all_hidden", resetAllHidden(deps.Store, deps.Notifier, deps.Log))
	e.GET("/api/catalog", getCatalog(deps.Catalogs))
	e.GET("/healthz", healthz(deps.Store))
	if deps.Hub != nil {
		e.GET("/ws", liveConnection(deps.Hub, deps.Relay, deps.Log))
	}
	if deps.StaticDir != "" {
		e.Static("/static", deps.StaticDir)
	}
}

type commandResponse struct {
	Success    bool   `json:"success"`
	Progress   *int   `json:"progress,omitempty"`
	Assignment *int   `json:"assignment,omitempty"`
	Hidden     *bool  `json:"hidden,omitempty"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func healthz(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

func getProgress(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/get_progress")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		storeStart := time.Now()
		snap, storeErr := store.Snapshot(ctx)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			metrics.SetErrorStage("storage")
			logger.WithError(storeErr).Error("snapshot failed")
			err = c.JSON(http.StatusInternalServerError, commandResponse{Error: storeErr.Error()})
			return err
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, snap)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// readCommand decodes the request body into dst and also returns it as a
// generic value for echoing back to the client.
func readCommand(c echo.Context, dst any) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, commandMaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > commandMaxSize {
		return nil, errBodyTooLarge
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errEmptyBody
	}
	var data any
	if err := sonic.ConfigStd.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := sonic.ConfigStd.Unmarshal(raw, dst); err != nil {
		return data, fmt.Errorf("invalid command: %w", err)
	}
	return data, nil
}

func requireFields(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fmt.Errorf("%s is required", f[0])
		}
	}
	return nil
}

// command holds what the write routes share for responding and publishing.
type command struct {
	route    string
	notifier Notifier
	logger   *log.Logger
}

func (cmd command) fail(c echo.Context, metrics *requestMetrics, status int, stage string, cause error, data any) error {
	metrics.SetErrorStage(stage)
	if status >= http.StatusInternalServerError {
		cmd.logger.WithError(cause).WithField("route", cmd.route).Error("command failed")
	}
	return c.JSON(status, commandResponse{Success: false, Error: cause.Error(), Data: data})
}

// internal reports a failed store or catalog call. The error stage is
// derived from the error type.
func (cmd command) internal(c echo.Context, metrics *requestMetrics, cause error, data any) error {
	stage := "internal"
	var se *domain.StorageError
	var ce *domain.ConfigError
	switch {
	case errors.As(cause, &se):
		stage = "storage"
	case errors.As(cause, &ce):
		stage = "config"
	}
	return cmd.fail(c, metrics, http.StatusInternalServerError, stage, cause, data)
}

func (cmd command) notify(metrics *requestMetrics, change domain.Change) {
	if cmd.notifier == nil {
		return
	}
	cmd.notifier.Notify(change)
	metrics.SetBroadcast(true)
}

func updateProgress(store Storage, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/update_progress", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req domain.ProgressCommand
		data, decErr := readCommand(c, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decErr != nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "decode", decErr, data)
		}
		if vErr := requireFields([2]string{"floor", req.Floor}, [2]string{"room", req.Room}, [2]string{"task", req.Task}); vErr != nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "validate", vErr, data)
		}
		if req.Progress == nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "validate", errors.New("progress is required"), data)
		}
		metrics.SetTarget(req.Floor, req.Room, req.Task)

		key := domain.Key{Floor: req.Floor, Room: req.Room, Task: req.Task}
		storeStart := time.Now()
		progress, storeErr := store.UpsertProgress(ctx, key, *req.Progress)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, data)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeProgress, Floor: key.Floor, Room: key.Room, Task: key.Task, Progress: &progress})
		return c.JSON(http.StatusOK, commandResponse{Success: true, Progress: &progress, Data: data})
	}
}

func updateAssignment(store Storage, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/update_assignment", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req domain.AssignmentCommand
		data, decErr := readCommand(c, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decErr != nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "decode", decErr, data)
		}
		if vErr := requireFields([2]string{"floor", req.Floor}, [2]string{"room", req.Room}, [2]string{"task", req.Task}); vErr != nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "validate", vErr, data)
		}
		if req.Assignment == nil {
			return cmd.fail(c, metrics, http.StatusBadRequest, "validate", errors.New("assignment is required"), data)
		}
		metrics.SetTarget(req.Floor, req.Room, req.Task)

		key := domain.Key{Floor: req.Floor, Room: req.Room, Task: req.Task}
		storeStart := time.Now()
		assignment, storeErr := store.UpsertAssignment(ctx, key, *req.Assignment)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, data)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeAssignment, Floor: key.Floor, Room: key.Room, Task: key.Task, Assignment: &assignment})
		return c.JSON(http.StatusOK, commandResponse{Success: true, Assignment: &assignment, Data: data})
	}
}

// decodeRoom reports ok=false when a failure response has already been
// written; err is the result of writing it.
func decodeRoom(c echo.Context, cmd command, metrics *requestMetrics) (req domain.RoomCommand, data any, ok bool, err error) {
	decodeStart := time.Now()
	data, decErr := readCommand(c, &req)
	metrics.ObserveDecode(time.Since(decodeStart))
	if decErr != nil {
		return req, data, false, cmd.fail(c, metrics, http.StatusBadRequest, "decode", decErr, data)
	}
	if vErr := requireFields([2]string{"floor", req.Floor}, [2]string{"room", req.Room}); vErr != nil {
		return req, data, false, cmd.fail(c, metrics, http.StatusBadRequest, "validate", vErr, data)
	}
	metrics.SetTarget(req.Floor, req.Room)
	return req, data, true, nil
}

func toggleRoomHidden(store Storage, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/toggle_room_hidden", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		req, data, ok, failErr := decodeRoom(c, cmd, metrics)
		if !ok {
			return failErr
		}

		storeStart := time.Now()
		hidden, storeErr := store.ToggleRoomHidden(ctx, req.Floor, req.Room)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, data)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeRoomHidden, Floor: req.Floor, Room: req.Room, Hidden: &hidden})
		return c.JSON(http.StatusOK, commandResponse{Success: true, Hidden: &hidden, Data: data})
	}
}

func resetRoom(store Storage, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/reset_room", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		req, data, ok, failErr := decodeRoom(c, cmd, metrics)
		if !ok {
			return failErr
		}

		storeStart := time.Now()
		storeErr := store.ResetRoomProgress(ctx, req.Floor, req.Room)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, data)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeRoomReset, Floor: req.Floor, Room: req.Room})
		return c.JSON(http.StatusOK, commandResponse{Success: true, Data: data})
	}
}

func resetTasks(store Storage, catalogs CatalogSource, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/reset_tasks", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		cat, loadErr := catalogs.Load()
		if loadErr != nil {
			return cmd.internal(c, metrics, loadErr, nil)
		}

		storeStart := time.Now()
		storeErr := store.ResetAll(ctx, cat.Keys())
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, nil)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeResetAll})
		return c.JSON(http.StatusOK, commandResponse{Success: true})
	}
}

func resetAllHidden(store Storage, notifier Notifier, logger *log.Logger) echo.HandlerFunc {
	cmd := command{route: "/api/reset_all_hidden", notifier: notifier, logger: logger}
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, cmd.route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		storeStart := time.Now()
		storeErr := store.ResetAllHidden(ctx)
		metrics.ObserveStore(time.Since(storeStart))
		if storeErr != nil {
			return cmd.internal(c, metrics, storeErr, nil)
		}

		cmd.notify(metrics, domain.Change{Type: domain.ChangeResetAllHidden})
		return c.JSON(http.StatusOK, commandResponse{Success: true})
	}
}

type catalogFloor struct {
	Name  string         `json:"name"`
	Rooms []catalog.Room `json:"rooms"`
}

type catalogResponse struct {
	Floors []catalogFloor                `json:"floors"`
	Colors map[string]catalog.ColorLabel `json:"colors"`
}

func getCatalog(catalogs CatalogSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		cat, err := catalogs.Load()
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, commandResponse{Error: err.Error()})
		}
		resp := catalogResponse{Floors: make([]catalogFloor, 0, len(cat.Floors())), Colors: cat.Colors()}
		for _, floor := range cat.Floors() {
			resp.Floors = append(resp.Floors, catalogFloor{Name: floor, Rooms: cat.Rooms(floor)})
		}
		return c.JSON(http.StatusOK, resp)
	}
}
