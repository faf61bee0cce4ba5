package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/pkg/conversion"
)

// multipartMemory is how much of a form is held in memory before spilling
// to temporary files.
const multipartMemory = 32 << 20

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.Config()
	r.Body = http.MaxBytesReader(w, r.Body, cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, &conversion.Error{Kind: conversion.ResourceExhausted, Stage: conversion.StageInput, Err: err})
			return
		}
		writeError(w, &conversion.Error{Kind: conversion.NoInputProvided, Stage: conversion.StageInput, Err: err})
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, &conversion.Error{Kind: conversion.NoInputProvided, Stage: conversion.StageInput,
			Err: errors.New("no files received in field \"file\"")})
		return
	}

	j, err := s.acquire(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// an abandoned conversion finishes the job itself
	owned := true
	defer func() {
		if owned {
			j.finish()
		}
	}()

	j.logger.Info("conversion requested", "files", len(files), "remote", r.RemoteAddr)
	for _, fh := range files {
		if err := saveFormFile(j, fh); err != nil {
			writeError(w, &conversion.Error{Kind: conversion.NoInputProvided, Stage: conversion.StageInput, Err: err})
			return
		}
	}
	if err := j.prepare(); err != nil {
		writeError(w, err)
		return
	}

	res, ok, err := j.run(r.Context(), nil)
	owned = ok
	if err != nil {
		j.logger.Warn("conversion failed", "kind", conversion.KindOf(err), "err", err)
		writeError(w, err)
		return
	}

	f, err := os.Open(res.OutputPath)
	if err != nil {
		writeError(w, &conversion.Error{Kind: conversion.ExportFailed, Stage: conversion.StageExport, Err: err})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, &conversion.Error{Kind: conversion.ExportFailed, Stage: conversion.StageExport, Err: err})
		return
	}

	h := w.Header()
	h.Set("Content-Type", "model/gltf-binary")
	h.Set("Content-Disposition", "attachment; filename="+strconv.Quote(cfg.Server.DownloadName))
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	h.Set("X-Mesh-Faces", strconv.Itoa(res.Stats.OutputFaces))
	h.Set("X-Mesh-Vertices", strconv.Itoa(res.Stats.OutputVertices))
	if _, err := io.Copy(w, f); err != nil {
		j.logger.Warn("sending result failed", "err", err)
	}
}

func saveFormFile(j *job, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return errors.Wrapf(err, "open upload %s", fh.Filename)
	}
	defer src.Close()
	_, err = j.ws.SaveUpload(fh.Filename, src)
	return err
}
