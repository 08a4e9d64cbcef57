package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/vitals/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// requestUserKey context key carrying the authenticated user
type requestUserKey struct{}

// apiHandler HTTP handlers over the relay store
type apiHandler struct {
	goutils.Component

	store    Store
	validate *validator.Validate
}

/*
NewRouter define the relay HTTP router

	@param ctx context.Context - execution context
	@param store Store - the relay store
	@returns the configured router
*/
func NewRouter(_ context.Context, store Store) (*mux.Router, error) {
	logTags := log.Fields{"package": "vitals", "module": "relay", "component": "api"}

	handler := &apiHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store:    store,
		validate: validator.New(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/register", handler.register).Methods(http.MethodPost)

	authed := router.NewRoute().Subrouter()
	authed.Use(handler.authenticate)
	authed.HandleFunc("/v1/history", handler.pushHistory).Methods(http.MethodPost)
	authed.HandleFunc("/v1/history", handler.pullHistory).Methods(http.MethodGet)
	authed.HandleFunc("/v1/status", handler.pushStatus).Methods(http.MethodPost)
	authed.HandleFunc("/v1/reminders", handler.pushReminders).Methods(http.MethodPost)
	authed.HandleFunc("/v1/reminders", handler.listReminders).Methods(http.MethodGet)

	return router, nil
}

// writeJSON serialize a response body
func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Failed to serialize response")
	}
}

// writeError report a request failure
func (h *apiHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// authenticate resolve the bearer token and attach the user to the request
func (h *apiHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := h.store.ResolveToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				h.writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			log.WithError(err).WithFields(h.LogTags).Error("Token resolution failed")
			h.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestUserKey{}, user),
		))
	})
}

// requestUser read the authenticated user attached by the middleware
func requestUser(r *http.Request) (UserDBEntry, bool) {
	user, ok := r.Context().Value(requestUserKey{}).(UserDBEntry)
	return user, ok
}

// register handle `POST /v1/register`
func (h *apiHandler) register(w http.ResponseWriter, r *http.Request) {
	var request models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid registration parameters")
		return
	}

	result, err := h.store.RegisterUser(r.Context(), request)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Registration failed")
		h.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &result)
}

// pushHistory handle `POST /v1/history`
func (h *apiHandler) pushHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var request models.HistoryPushRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	applied, err := h.store.UpsertEntries(r.Context(), user.UserID, request.Entries)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("History push failed")
		h.writeError(w, http.StatusInternalServerError, "history push failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &models.HistoryPushResponse{Status: "ok", Count: applied})
}

// pullHistory handle `GET /v1/history`
func (h *apiHandler) pullHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed since parameter")
			return
		}
		since = &parsed
	}

	friends, err := h.store.ListFriendHistory(r.Context(), user.UserID, since)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("History pull failed")
		h.writeError(w, http.StatusInternalServerError, "history pull failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &models.HistoryPullResponse{Friends: friends})
}

// pushStatus handle `POST /v1/status`
func (h *apiHandler) pushStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var report models.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := h.store.UpsertStatus(r.Context(), user.UserID, report); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Status push failed")
		h.writeError(w, http.StatusInternalServerError, "status push failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &models.StatusResponse{Status: "ok"})
}

// pushReminders handle `POST /v1/reminders`
func (h *apiHandler) pushReminders(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var request models.ReminderPushRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	applied, err := h.store.UpsertReminders(r.Context(), user.UserID, request.Reminders)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Reminder push failed")
		h.writeError(w, http.StatusInternalServerError, "reminder push failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &models.HistoryPushResponse{Status: "ok", Count: applied})
}

// listReminders handle `GET /v1/reminders`
func (h *apiHandler) listReminders(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	reminders, err := h.store.ListReminders(r.Context(), user.UserID)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Reminder list failed")
		h.writeError(w, http.StatusInternalServerError, "reminder list failed")
		return
	}
	h.writeJSON(w, http.StatusOK, &models.ReminderListResponse{Reminders: reminders})
}
