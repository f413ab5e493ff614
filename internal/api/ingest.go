package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/seantiz/shipwright/internal/model"
)

// maxIngestBodySize allows for attachments inlined as data URIs.
const maxIngestBodySize = 10 << 20

type ackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

var taskReceived = ackResponse{Status: "ok", Message: "Task received"}

// handleIngest authenticates a task request, schedules its round and
// acknowledges it. The pipeline runs after the response is written.
//
// The body is held as raw fields so that a wrongly typed field never
// preempts the secret check.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ingestRequestsTotal.WithLabelValues(ingestMalformed).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A secret that is not a JSON string authenticates as empty.
	var secret string
	_ = json.Unmarshal(body["secret"], &secret)
	if err := s.authenticate(secret); err != nil {
		authFailuresTotal.WithLabelValues("/api-endpoint").Inc()
		ingestRequestsTotal.WithLabelValues(ingestRejected).Inc()
		s.logger.Warn("rejected task with invalid secret")
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}

	round, ok := parseRound(body["round"])
	if !ok || !model.ValidRound(round) {
		ingestRequestsTotal.WithLabelValues(ingestIgnored).Inc()
		s.logger.Warn("ignoring task with unknown round", "round", string(body["round"]))
		s.writeJSON(w, http.StatusOK, taskReceived)
		return
	}

	req := decodeTaskRequest(body, round)
	if len(req.Malformed) > 0 {
		s.logger.Warn("task has malformed fields", "task_id", req.TaskID, "fields", req.Malformed)
	}

	run, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error("submit task", "task_id", req.TaskID, "round", req.Round, "error", err)
		ingestRequestsTotal.WithLabelValues(ingestFailed).Inc()
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.logger.Info("task received", "run_id", run.ID, "task_id", req.TaskID, "round", req.Round,
		"attachments", len(req.Attachments))
	ingestRequestsTotal.WithLabelValues(ingestAccepted).Inc()
	w.Header().Set("X-Run-Id", run.ID)
	s.writeJSON(w, http.StatusOK, taskReceived)
}

// parseRound accepts any JSON number with an integral value, so 1 and 1.0
// both select round 1. Strings, fractions and absent values do not parse.
func parseRound(raw json.RawMessage) (int, bool) {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// stringField reads a text field. Numbers and booleans are taken by their
// literal JSON text. ok is false when the field holds an object or array.
func stringField(body map[string]json.RawMessage, key string) (string, bool) {
	raw, present := body[key]
	if !present {
		return "", true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// decodeTaskRequest builds the request from raw fields. Fields that cannot
// be decoded are left empty and named in Malformed so the run fails
// validation instead of the request being rejected.
func decodeTaskRequest(body map[string]json.RawMessage, round int) model.TaskRequest {
	req := model.TaskRequest{Round: round, Checks: body["checks"]}

	text := []struct {
		key string
		dst *string
	}{
		{"task", &req.TaskID},
		{"email", &req.Email},
		{"nonce", &req.Nonce},
		{"brief", &req.Brief},
		{"evaluation_url", &req.EvaluationURL},
	}
	for _, f := range text {
		v, ok := stringField(body, f.key)
		if !ok {
			req.Malformed = append(req.Malformed, f.key)
			continue
		}
		*f.dst = v
	}

	if raw, ok := body["attachments"]; ok {
		if err := json.Unmarshal(raw, &req.Attachments); err != nil {
			req.Attachments = nil
			req.Malformed = append(req.Malformed, "attachments")
		}
	}
	return req
}
