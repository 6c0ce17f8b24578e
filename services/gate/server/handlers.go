// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
)

const wsWriteTimeout = 10 * time.Second

type websocketUpgrader = websocket.Upgrader

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// Event streams are read-only and carry no credentials.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// TriggerResponse is the body of an accepted trigger.
type TriggerResponse struct {
	RunID     string          `json:"run_id"`
	Key       gate.TriggerKey `json:"key"`
	Scope     gate.Scope      `json:"scope"`
	StatusURL string          `json:"status_url"`
	EventsURL string          `json:"events_url"`
}

// RunStatus describes a run that may still be in progress.
type RunStatus struct {
	RunID       string                `json:"run_id"`
	Trigger     gate.Trigger          `json:"trigger"`
	Scope       gate.Scope            `json:"scope"`
	State       pipeline.State        `json:"state"`
	Transitions []pipeline.Transition `json:"transitions"`
	Result      *pipeline.Result      `json:"result,omitempty"`
	ExitCode    *int                  `json:"exit_code,omitempty"`
}

// Event is one websocket message. Type is "transition" or "result".
type Event struct {
	Type       string               `json:"type"`
	Transition *pipeline.Transition `json:"transition,omitempty"`
	Result     *pipeline.Result     `json:"result,omitempty"`
}

func (s *Server) routes() {
	s.engine.GET("/v1/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.promH))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/triggers", s.handleTrigger)
		runs := v1.Group("/runs")
		{
			runs.GET("", s.handleListRuns)
			runs.GET("/:id", s.handleGetRun)
			runs.GET("/:id/events", s.handleEvents)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_runs": len(s.runs.active()),
	})
}

func (s *Server) handleTrigger(c *gin.Context) {
	if !s.limiter.Allow() {
		s.countTrigger("rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many triggers"})
		return
	}
	if s.runCtx.Err() != nil {
		s.countTrigger("unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrShuttingDown.Error()})
		return
	}

	var trig gate.Trigger
	if err := c.ShouldBindJSON(&trig); err != nil {
		s.countTrigger("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := trig.Validate(); err != nil {
		s.countTrigger("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := s.start(trig)
	if errors.Is(err, ErrShuttingDown) {
		s.countTrigger("unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.countTrigger("rejected")
		s.logger.Error("failed to start run", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.countTrigger("accepted")

	id := e.run.ID()
	c.JSON(http.StatusAccepted, TriggerResponse{
		RunID:     id,
		Key:       trig.Key(),
		Scope:     e.run.Scope(),
		StatusURL: "/v1/runs/" + id,
		EventsURL: "/v1/runs/" + id + "/events",
	})
}

func status(e *runEntry) RunStatus {
	st := RunStatus{
		RunID:       e.run.ID(),
		Trigger:     e.run.Trigger(),
		Scope:       e.run.Scope(),
		State:       e.run.State(),
		Transitions: e.run.Transitions(),
	}
	if res := e.run.Result(); res != nil {
		st.Result = res
		code := res.ExitCode()
		st.ExitCode = &code
	}
	return st
}

func (s *Server) handleListRuns(c *gin.Context) {
	entries := s.runs.list()
	out := make([]RunStatus, 0, len(entries))
	for _, e := range entries {
		st := status(e)
		st.Transitions = nil
		st.Result = nil
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) handleGetRun(c *gin.Context) {
	e, ok := s.runs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, status(e))
}

// handleEvents streams the transitions of a run over a websocket: the
// history first, then live transitions, then the result. The server closes
// the connection after the result.
func (s *Server) handleEvents(c *gin.Context) {
	e, ok := s.runs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	// Control frames are only processed while reading.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	past, live, unsubscribe := e.hub.subscribe()
	defer unsubscribe()

	send := func(ev Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(ev)
	}

	for i := range past {
		if err := send(Event{Type: "transition", Transition: &past[i]}); err != nil {
			return
		}
	}
	if live != nil {
	stream:
		for {
			select {
			case t, ok := <-live:
				if !ok {
					break stream
				}
				if err := send(Event{Type: "transition", Transition: &t}); err != nil {
					return
				}
			case <-gone:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}

	select {
	case <-e.run.Done():
	case <-gone:
		return
	}
	if err := send(Event{Type: "result", Result: e.run.Result()}); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("websocket close failed", slog.String("error", err.Error()))
	}
}
