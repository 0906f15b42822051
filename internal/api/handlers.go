package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.svc.Register(r.Context(), creds.Username, creds.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	token, err := s.tokens.IssueSession(user)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"token":    token,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.svc.Authenticate(r.Context(), creds.Username, creds.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	token, err := s.tokens.IssueSession(user)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"token":    token,
		"username": user.Username,
		"role":     user.Role,
	})
}

// itemView is an Item plus the signed URL the browser loads the asset from.
type itemView struct {
	model.Item
	URL string `json:"url,omitempty"`
}

func (s *Server) viewItems(items []model.Item) []itemView {
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, itemView{Item: item, URL: s.signedURL(item.StoragePath)})
	}
	return views
}

func (s *Server) signedURL(storagePath string) string {
	if storagePath == "" {
		return ""
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(storagePath, expires)
	return fmt.Sprintf("/api/image?path=%s&expires=%d&sig=%s", url.QueryEscape(storagePath), expires, sig)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Repo.Queue(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.viewItems(items))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Repo.History(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.viewItems(items))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondUploadError(w, err, "expecting multipart form with a file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondUploadError(w, err, "could not read upload")
		return
	}
	contentType := http.DetectContentType(data)
	if !s.typeAllowed(contentType) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("content type %s not allowed", contentType))
		return
	}
	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	item, err := s.svc.AddImage(r.Context(), actor, name, data, contentType)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"image":   itemView{Item: item, URL: s.signedURL(item.StoragePath)},
	})
}

// respondUploadError tells a size-limit failure apart from other read
// failures, so a truncated or broken upload is not reported as oversized.
func (s *Server) respondUploadError(w http.ResponseWriter, err error, fallback string) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
		return
	}
	respondError(w, http.StatusBadRequest, fallback)
}

func (s *Server) typeAllowed(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Claim(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "image": itemView{Item: item, URL: s.signedURL(item.StoragePath)}})
}

func (s *Server) handleUnclaim(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Unclaim(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "image": itemView{Item: item, URL: s.signedURL(item.StoragePath)}})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		// Notes are optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	item, err := s.svc.Complete(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.Notes)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "image": itemView{Item: item, URL: s.signedURL(item.StoragePath)}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

// userView strips the password hash from listings.
type userView struct {
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Role != model.RoleAdmin {
		respondError(w, http.StatusForbidden, "not permitted to list users")
		return
	}
	users, err := s.svc.Repo.Users(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{Username: u.Username, Role: u.Role})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role model.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.SetUserRole(r.Context(), actorFrom(r), chi.URLParam(r, "username"), body.Role); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveUser(r.Context(), actorFrom(r), chi.URLParam(r, "username")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.Repo.Maintenance(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var state model.MaintenanceState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.svc.SetMaintenance(r.Context(), actorFrom(r), state.IsMaintenance); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

// handleRealtimeToken brokers access to the pub/sub channel: the client gets
// a short-lived subscribe-only token plus the channel name.
func (s *Server) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	clientID := uuid.NewString()
	token, err := s.tokens.IssueRealtime(clientID, s.cfg.Channel, time.Hour)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"token":    token,
		"clientId": clientID,
		"channel":  s.cfg.Channel,
	})
}

// handleImage streams asset bytes. Access control is the HMAC signature
// minted by signedURL; only paths under the uploads prefix are reachable, so
// a signed URL can never leak a collection document.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	storagePath := q.Get("path")
	expires := q.Get("expires")
	sig := q.Get("sig")
	if storagePath == "" || !strings.HasPrefix(storagePath, repository.UploadsPrefix) {
		respondError(w, http.StatusBadRequest, "invalid asset path")
		return
	}
	if !s.signer.Validate(storagePath, expires, sig) {
		respondError(w, http.StatusForbidden, "invalid signature")
		return
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if time.Now().Unix() > exp {
		respondError(w, http.StatusForbidden, "link expired")
		return
	}
	data, err := s.blobs.Read(r.Context(), storagePath)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(storagePath))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
