package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	basePath       = "/api/v1/pastes"
	passwordHeader = "X-Paste-Password"
	sessionHeader  = "X-Session-ID"
	// Content is capped in runes; four bytes per rune plus JSON framing.
	bodyOverhead = 64 * 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateReq struct {
	Title            string         `json:"title,omitempty"`
	Content          string         `json:"content"`
	Language         string         `json:"language,omitempty"`
	IsPrivate        bool           `json:"is_private"`
	BurnAfterRead    bool           `json:"burn_after_read"`
	Password         string         `json:"password,omitempty"`
	ExpiresInMinutes *int64         `json:"expires_in_minutes,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}
type PasteResp struct {
	*domain.Paste
	URL string `json:"url"`
}

func newPasteResp(p *domain.Paste) PasteResp {
	return PasteResp{Paste: p, URL: basePath + "/" + p.ShortID}
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	limit := int64(h.cfg.MaxPasteChars)*4 + bodyOverhead
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		case err == io.EOF:
			log.Warn().Msg("empty request body")
		default:
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	params := domain.CreateParams{
		Title:         req.Title,
		Content:       norm.NFC.String(req.Content),
		Language:      req.Language,
		IsPrivate:     req.IsPrivate,
		BurnAfterRead: req.BurnAfterRead,
		Password:      req.Password,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	}
	if req.ExpiresInMinutes != nil {
		if *req.ExpiresInMinutes <= 0 {
			writeErr(w, errors.Wrap(domain.ErrInvalidRequest, "expires_in_minutes must be positive"), requestID)
			return
		}
		params.ExpiresIn = time.Duration(*req.ExpiresInMinutes) * time.Minute
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.IsValidation(err) {
			log.Warn().Err(err).Msg("create rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("short_id", paste.ShortID).
		Bool("burn_after_read", paste.BurnAfterRead).
		Bool("password_protected", paste.HasPassword()).
		Msg("paste created")
	w.Header().Set("Location", basePath+"/"+paste.ShortID)
	writeJSON(w, http.StatusCreated, newPasteResp(paste))
}

func (h *Hdl) readParams(r *http.Request) domain.ReadParams {
	password := r.Header.Get(passwordHeader)
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	return domain.ReadParams{
		Password:  password,
		ClientIP:  lim.GetRealIP(r, h.cfg.TrustedProxies),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		SessionID: r.Header.Get(sessionHeader),
	}
}

// readFailed logs a failed retrieval and writes its response. Denials are
// logged with the redacted client address.
func readFailed(w http.ResponseWriter, r *http.Request, err error, id string) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		log.Warn().
			Str("short_id", id).
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("failed password attempt")
	case errors.Is(err, domain.ErrPasteNotFound):
		log.Debug().Str("short_id", id).Msg("paste not found")
	default:
		log.Error().Err(err).Str("short_id", id).Msg("read failed")
	}
	writeErr(w, err, requestID)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Get(r.Context(), id, h.readParams(r))
	if err != nil {
		readFailed(w, r, err, id)
		return
	}
	hlog.FromRequest(r).Info().
		Str("short_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", paste.ViewCount).
		Msg("paste retrieved")
	writeJSON(w, http.StatusOK, newPasteResp(paste))
}

func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	content, err := h.paste.Raw(r.Context(), id, h.readParams(r))
	if err != nil {
		readFailed(w, r, err, id)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *Hdl) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, err := h.paste.Download(r.Context(), id, h.readParams(r))
	if err != nil {
		readFailed(w, r, err, id)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Content)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, dl.Content)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := util.GetRequestID(r.Context())
	if err := h.paste.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, domain.ErrPasteNotFound) {
			hlog.FromRequest(r).Error().Err(err).Str("short_id", id).Msg("failed to delete paste")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Hdl) Recent(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	items, err := h.paste.ListRecentPublic(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list recent pastes")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Hdl) Search(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	q := domain.SearchQuery{
		Query:    norm.NFC.String(r.URL.Query().Get("q")),
		Language: r.URL.Query().Get("language"),
	}
	var err error
	if q.Limit, err = intQuery(r, "limit"); err != nil {
		writeErr(w, err, requestID)
		return
	}
	if q.Offset, err = intQuery(r, "offset"); err != nil {
		writeErr(w, err, requestID)
		return
	}
	items, err := h.paste.Search(r.Context(), q)
	if err != nil {
		if !domain.IsValidation(err) {
			hlog.FromRequest(r).Error().Err(err).Msg("search failed")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Hdl) Analytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := h.paste.Analytics(r.Context(), id, h.readParams(r).Password)
	if err != nil {
		readFailed(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(domain.ErrInvalidRequest, "%s must be an integer", key)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	switch {
	case errors.Is(err, domain.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
	case statusCode >= 500:
		resp = domain.ToResp(domain.ErrInternalServer)
		if errors.Is(err, domain.ErrIDGenerationFailed) {
			resp = domain.ToResp(domain.ErrIDGenerationFailed)
		}
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(struct {
		domain.ErrResp
		RequestID string `json:"request_id"`
	}{resp, requestID})
}
