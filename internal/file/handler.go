package file

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/middleware"
	"github.com/radif/fileservice/internal/response"
	"github.com/radif/fileservice/internal/storage"
)

// multipartMemory is the part of a multipart form kept in memory; the rest spills to disk.
const multipartMemory = 8 << 20

// Handler holds HTTP handlers for file endpoints.
type Handler struct {
	svc            *Service
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewHandler creates a new file Handler.
func NewHandler(svc *Service, maxUploadBytes int64, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger.Named("file_handler")}
}

// Routes registers the file endpoints on r. Reads are public; listing needs a token; writes
// need the admin role.
func (h *Handler) Routes(r chi.Router, jwtSecret string) {
	r.Get("/{id}", h.Get)
	r.Get("/{id}/content", h.Content)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(jwtSecret))
		r.Get("/mine", h.Mine)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Post("/", h.Upload)
			r.Delete("/{id}", h.Delete)
			r.Post("/{id}/restore", h.Restore)
		})
	})
}

// FileResponse is the public view of a file record.
type FileResponse struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	SizeBytes    int64     `json:"sizeBytes"`
	SHA256       string    `json:"sha256"`
	Category     string    `json:"category"`
	MIMEType     string    `json:"mimeType"`
	OwnerID      string    `json:"ownerId"`
	BackupURL    string    `json:"backupUrl,omitempty"`
	RemoteURL    string    `json:"remoteUrl,omitempty"`
	DownloadURL  string    `json:"downloadUrl"`
	UploadedAt   time.Time `json:"uploadedAt"`
	IsDeleted    bool      `json:"isDeleted"`
}

// UploadResponse is returned by Upload.
type UploadResponse struct {
	File      FileResponse `json:"file"`
	Duplicate bool         `json:"duplicate"`
}

// PageResponse is one page of the caller's files.
type PageResponse struct {
	Files       []FileResponse `json:"files"`
	TotalCount  int            `json:"totalCount"`
	Page        int            `json:"page"`
	PageSize    int            `json:"pageSize"`
	TotalPages  int            `json:"totalPages"`
	HasNext     bool           `json:"hasNextPage"`
	HasPrevious bool           `json:"hasPreviousPage"`
}

// DeleteResponse reports the outcome of a deletion.
type DeleteResponse struct {
	FileID        string    `json:"fileId"`
	OriginalName  string    `json:"originalName"`
	SizeBytes     int64     `json:"sizeBytes"`
	Success       bool      `json:"success"`
	RemoteDeleted bool      `json:"remoteDeleted"`
	BackupDeleted bool      `json:"backupDeleted"`
	DeletedAt     time.Time `json:"deletedAt"`
	Message       string    `json:"message"`
}

// RestoreResponse reports the outcome of a restore.
type RestoreResponse struct {
	File         FileResponse `json:"file"`
	Restored     bool         `json:"restored"`
	BackupExists bool         `json:"backupExists"`
	RemoteExists bool         `json:"remoteExists"`
}

func toFileResponse(rec *Record) FileResponse {
	return FileResponse{
		ID:           rec.ID(),
		OriginalName: rec.OriginalName(),
		SizeBytes:    rec.SizeBytes(),
		SHA256:       rec.Digest(),
		Category:     string(rec.Category()),
		MIMEType:     rec.MIMEType(),
		OwnerID:      rec.OwnerID(),
		BackupURL:    rec.BackupURL(),
		RemoteURL:    rec.RemoteURL(),
		DownloadURL:  "/api/v1/files/" + rec.ID() + "/content",
		UploadedAt:   rec.UploadedAt(),
		IsDeleted:    rec.IsDeleted(),
	}
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Stores a file on the selected backend. Byte-identical content that is already stored is not written again; the existing file is returned with duplicate=true.
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			file		formData	file	true	"File content"
//	@Param			storageType	formData	string	true	"Target backend"	Enums(Backup, Public)
//	@Success		201			{object}	response.Envelope{data=UploadResponse}
//	@Success		200			{object}	response.Envelope{data=UploadResponse}
//	@Failure		400			{object}	response.Envelope
//	@Failure		401			{object}	response.Envelope
//	@Failure		403			{object}	response.Envelope
//	@Failure		413			{object}	response.Envelope
//	@Failure		500			{object}	response.Envelope
//	@Router			/files [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		response.BadRequest(w, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	target, err := storage.ParseTag(r.FormValue("storageType"))
	if err != nil {
		response.FromError(w, err)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "file is required")
		return
	}
	defer f.Close()

	if header.Size == 0 {
		response.BadRequest(w, "file is empty")
		return
	}
	if header.Size > h.maxUploadBytes {
		response.Error(w, http.StatusRequestEntityTooLarge, "file is too large")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	res, err := h.svc.Upload(r.Context(), UploadInput{
		Content:      f,
		OriginalName: header.Filename,
		MIMEType:     mimeType,
		OwnerID:      ownerID,
		Target:       target,
	})
	if err != nil {
		h.fail(w, r, "upload failed", err)
		return
	}

	rec, duplicate := res.Record, res.Duplicate
	if !duplicate {
		rec, duplicate, err = h.svc.Persist(r.Context(), rec)
		if err != nil {
			h.fail(w, r, "persist failed", err)
			return
		}
	}

	body := UploadResponse{File: toFileResponse(rec), Duplicate: duplicate}
	if duplicate {
		response.OK(w, body)
		return
	}
	response.Created(w, body)
}

// Get godoc
//
//	@Summary		Get file info
//	@Tags			files
//	@Produce		json
//	@Param			id	path		string	true	"File ID"
//	@Success		200	{object}	response.Envelope{data=FileResponse}
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/{id} [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get failed", err)
		return
	}
	response.OK(w, toFileResponse(rec))
}

// Content godoc
//
//	@Summary		Download file content
//	@Description	Streams the file body. Range requests are honored.
//	@Tags			files
//	@Produce		octet-stream
//	@Param			id	path	string	true	"File ID"
//	@Success		200
//	@Success		206
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/{id}/content [get]
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "open failed", err)
		return
	}
	defer c.Body.Close()

	rec := c.Record
	w.Header().Set("Content-Type", rec.MIMEType())
	if cd := mime.FormatMediaType("inline", map[string]string{"filename": rec.OriginalName()}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	serve(w, r, rec.OriginalName(), rec.UploadedAt(), rec.SizeBytes(), c.Body)
}

// Mine godoc
//
//	@Summary		List my files
//	@Tags			files
//	@Produce		json
//	@Security		BearerAuth
//	@Param			page			query		int		false	"Page, from 1"					default(1)
//	@Param			pageSize		query		int		false	"Page size, at most 100"		default(20)
//	@Param			sortBy			query		string	false	"Sort field"					Enums(name, size, uploadTime)
//	@Param			sortDesc		query		bool	false	"Descending order"				default(true)
//	@Param			includeDeleted	query		bool	false	"Include deleted files"			default(false)
//	@Success		200				{object}	response.Envelope{data=PageResponse}
//	@Failure		401				{object}	response.Envelope
//	@Failure		500				{object}	response.Envelope
//	@Router			/files/mine [get]
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	desc := true
	if v, err := strconv.ParseBool(q.Get("sortDesc")); err == nil {
		desc = v
	}
	includeDeleted, _ := strconv.ParseBool(q.Get("includeDeleted"))

	p, err := h.svc.List(r.Context(), ListParams{
		OwnerID:        ownerID,
		Page:           page,
		PageSize:       pageSize,
		SortBy:         q.Get("sortBy"),
		Desc:           desc,
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		h.fail(w, r, "list failed", err)
		return
	}

	files := make([]FileResponse, 0, len(p.Items))
	for _, rec := range p.Items {
		files = append(files, toFileResponse(rec))
	}
	response.OK(w, PageResponse{
		Files:       files,
		TotalCount:  p.TotalCount,
		Page:        p.Page,
		PageSize:    p.PageSize,
		TotalPages:  p.TotalPages,
		HasNext:     p.HasNext,
		HasPrevious: p.HasPrevious,
	})
}

// Delete godoc
//
//	@Summary		Delete a file
//	@Description	Removes the stored copies and marks the file deleted. The file is deleted even if a copy could not be removed; remoteDeleted and backupDeleted report what happened to each copy.
//	@Tags			files
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"File ID"
//	@Success		200	{object}	response.Envelope{data=DeleteResponse}
//	@Failure		401	{object}	response.Envelope
//	@Failure		403	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	res, err := h.svc.Delete(r.Context(), id, ownerID)
	if err != nil {
		h.fail(w, r, "delete failed", err)
		return
	}

	response.OKWithMessage(w, DeleteResponse{
		FileID:        id,
		OriginalName:  res.Record.OriginalName(),
		SizeBytes:     res.Record.SizeBytes(),
		Success:       res.Success,
		RemoteDeleted: res.RemoteDeleted,
		BackupDeleted: res.BackupDeleted,
		DeletedAt:     time.Now().UTC(),
		Message:       res.Message(),
	}, res.Message())
}

// Restore godoc
//
//	@Summary		Restore a deleted file
//	@Tags			files
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"File ID"
//	@Success		200	{object}	response.Envelope{data=RestoreResponse}
//	@Failure		401	{object}	response.Envelope
//	@Failure		403	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		409	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/{id}/restore [post]
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	res, err := h.svc.Restore(r.Context(), chi.URLParam(r, "id"), ownerID)
	if err != nil {
		h.fail(w, r, "restore failed", err)
		return
	}
	response.OK(w, RestoreResponse{
		File:         toFileResponse(res.Record),
		Restored:     res.Restored,
		BackupExists: res.BackupExists,
		RemoteExists: res.RemoteExists,
	})
}

// Static serves backup objects by storage key under /files/*.
func (h *Handler) Static(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	body, err := h.svc.OpenBackupKey(r.Context(), key)
	if err != nil {
		if storage.ErrUnsafeKey.Has(err) {
			response.BadRequest(w, "invalid file path")
			return
		}
		h.fail(w, r, "static open failed", err)
		return
	}
	defer body.Close()

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	serve(w, r, path.Base(key), time.Time{}, -1, body)
}

// serve writes body with range support when it is seekable.
func serve(w http.ResponseWriter, r *http.Request, name string, modTime time.Time, size int64, body io.Reader) {
	if rs, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, modTime, rs)
		return
	}
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := response.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", r.URL.Path), zap.Error(err))
	} else if !apperr.ErrNotFound.Has(err) && !apperr.ErrNotFoundOrForbidden.Has(err) {
		h.logger.Info(msg, zap.String("path", r.URL.Path), zap.Error(err))
	}
	response.FromError(w, err)
}
