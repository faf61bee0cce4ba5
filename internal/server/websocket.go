package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/pkg/conversion"
)

const wsWriteWait = 10 * time.Second

// wsMessage is the JSON text frame sent to websocket clients.
type wsMessage struct {
	Type     string `json:"type"`
	Stage    string `json:"stage,omitempty"`
	Step     int    `json:"step,omitempty"`
	Steps    int    `json:"steps,omitempty"`
	Message  string `json:"message,omitempty"`
	Faces    int    `json:"faces,omitempty"`
	Vertices int    `json:"vertices,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

// wsConn serialises writes; progress events arrive from the converting
// goroutine while the handler may be reporting a timeout.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) writeError(err error) {
	body := newErrorBody(err)
	body.Type = "error"
	c.writeJSON(body)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.conn.Close()
}

// handleConvertWS reads one binary message holding a zip archive, streams
// progress events as JSON text frames and ends with the GLB as a binary
// frame, or with an error frame.
func (s *Server) handleConvertWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer conn.close()

	cfg := s.Config()
	raw.SetReadLimit(cfg.Server.MaxUploadBytes)
	raw.SetReadDeadline(time.Now().Add(cfg.RequestTimeout()))
	messageType, data, err := raw.ReadMessage()
	if err != nil {
		kind := conversion.NoInputProvided
		if errors.Is(err, websocket.ErrReadLimit) {
			kind = conversion.ResourceExhausted
		}
		conn.writeError(&conversion.Error{Kind: kind, Stage: conversion.StageInput, Err: err})
		return
	}
	if messageType != websocket.BinaryMessage || len(data) == 0 {
		conn.writeError(&conversion.Error{Kind: conversion.NoInputProvided, Stage: conversion.StageInput,
			Err: errors.New("expected one binary message holding a zip archive")})
		return
	}

	j, err := s.acquire(r.Context())
	if err != nil {
		conn.writeError(err)
		return
	}
	owned := true
	defer func() {
		if owned {
			j.finish()
		}
	}()

	j.logger.Info("websocket conversion requested", "bytes", len(data), "remote", r.RemoteAddr)
	if _, err := j.ws.SaveUpload("upload.zip", bytes.NewReader(data)); err != nil {
		conn.writeError(&conversion.Error{Kind: conversion.Internal, Stage: conversion.StageInput, Err: err})
		return
	}
	if err := j.prepare(); err != nil {
		conn.writeError(err)
		return
	}

	res, ok, err := j.run(r.Context(), func(e conversion.Event) {
		conn.writeJSON(wsMessage{Type: "progress", Stage: string(e.Stage), Step: e.Step, Steps: e.Steps, Message: e.Message})
	})
	owned = ok
	if err != nil {
		j.logger.Warn("conversion failed", "kind", conversion.KindOf(err), "err", err)
		conn.writeError(err)
		return
	}

	glb, err := os.ReadFile(res.OutputPath)
	if err != nil {
		conn.writeError(&conversion.Error{Kind: conversion.ExportFailed, Stage: conversion.StageExport, Err: err})
		return
	}
	conn.writeJSON(wsMessage{
		Type:     "result",
		Faces:    res.Stats.OutputFaces,
		Vertices: res.Stats.OutputVertices,
		Bytes:    len(glb),
	})
	if err := conn.write(websocket.BinaryMessage, glb); err != nil {
		j.logger.Warn("sending result failed", "err", err)
	}
}
