package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/pkg/conversion"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Type  string `json:"type,omitempty"`
	Kind  string `json:"kind"`
	Stage string `json:"stage,omitempty"`
	Error string `json:"error"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Kind: conversion.KindOf(err).String(), Error: err.Error()}
	var ce *conversion.Error
	if errors.As(err, &ce) {
		body.Stage = string(ce.Stage)
	}
	return body
}

// statusFor maps a conversion failure to an HTTP status.
func statusFor(err error) int {
	switch conversion.KindOf(err) {
	case conversion.NoInputProvided, conversion.NoVolumeFound:
		return http.StatusBadRequest
	case conversion.ExtractionFailed:
		return http.StatusUnprocessableEntity
	case conversion.ResourceExhausted:
		return http.StatusRequestEntityTooLarge
	case conversion.Canceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(newErrorBody(err))
}
